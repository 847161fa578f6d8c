package runlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/drone-marker/internal/config"
)

// Entry kinds.
const (
	KindLifecycle = "lifecycle"
	KindCounter   = "counter"
	KindAction    = "action"
	KindFatal     = "fatal"
)

// fatalPrefix marks fatal entries so operators can grep for them.
const fatalPrefix = "FATAL: "

// Reserved keys written for every entry.
const (
	keyTime    = "ts"
	keyRunID   = "run_id"
	keyKind    = "kind"
	keyMessage = "message"
)

// Entry is one run log record.
type Entry struct {
	Time    time.Time
	Kind    string
	Message string
	// Fields holds extra values. Reserved keys are ignored.
	Fields map[string]any
}

// Repository defines run log operations.
type Repository interface {
	Append(ctx context.Context, entry Entry) error
	Close() error
}

// ErrClosed is returned when appending to a closed log.
var ErrClosed = errors.New("run log closed")

// FileRepository appends entries to a file on disk.
type FileRepository struct {
	// path is the filesystem location of the log.
	path  string
	runID string
	// mu serializes writes so lines never interleave.
	mu   sync.Mutex
	file *os.File
}

// Open opens or creates the log at path in append mode.
func Open(path, runID string) (*FileRepository, error) {
	path = filepath.Clean(path)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, config.DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	return &FileRepository{
		path:  path,
		runID: runID,
		file:  file,
	}, nil
}

// Path returns the log location.
func (r *FileRepository) Path() string {
	return r.path
}

// Append writes one entry as a single line.
func (r *FileRepository) Append(_ context.Context, entry Entry) error {
	line, err := r.encode(entry)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return ErrClosed
	}

	if _, err = r.file.Write(line); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}

	return nil
}

// Close flushes and closes the log. It is safe to call more than once.
func (r *FileRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}

	file := r.file
	r.file = nil

	if err := file.Sync(); err != nil {
		_ = file.Close()

		return fmt.Errorf("sync run log: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close run log: %w", err)
	}

	return nil
}

func (r *FileRepository) encode(entry Entry) ([]byte, error) {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	message := entry.Message
	if entry.Kind == KindFatal && !strings.HasPrefix(message, fatalPrefix) {
		message = fatalPrefix + message
	}

	values := make(map[string]any, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		values[k] = v
	}

	values[keyTime] = entry.Time.UTC().Format(time.RFC3339Nano)
	values[keyRunID] = r.runID
	values[keyKind] = entry.Kind
	values[keyMessage] = message

	record, err := structpb.NewStruct(values)
	if err != nil {
		return nil, fmt.Errorf("encode run log entry: %w", err)
	}

	data, err := protojson.MarshalOptions{Multiline: false}.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode run log entry: %w", err)
	}

	return append(data, '\n'), nil
}

// ReadAll parses every entry of the log at path.
func ReadAll(path string) ([]Entry, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	defer file.Close()

	var (
		entries []Entry
		scanner = bufio.NewScanner(file)
	)

	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record structpb.Struct
		if err = protojson.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("decode run log line %d: %w", len(entries)+1, err)
		}

		entries = append(entries, decode(record.AsMap()))
	}

	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}

	return entries, nil
}

func decode(values map[string]any) Entry {
	var entry Entry

	if ts, ok := values[keyTime].(string); ok {
		entry.Time, _ = time.Parse(time.RFC3339Nano, ts)
	}

	entry.Kind, _ = values[keyKind].(string)
	entry.Message, _ = values[keyMessage].(string)

	for _, key := range []string{keyTime, keyKind, keyMessage} {
		delete(values, key)
	}

	entry.Fields = values

	return entry
}
