package status

import (
	"sync"
	"time"

	"github.com/oshokin/drone-marker/internal/domain/action"
)

// Snapshot is the externally visible state of a run.
type Snapshot struct {
	RunID             string         `json:"run_id"`
	State             string         `json:"state"`
	MarkerCount       int            `json:"marker_count"`
	TargetFrames      int            `json:"target_frames"`
	DetectionComplete bool           `json:"detection_complete"`
	FramesCaptured    uint64         `json:"frames_captured"`
	FramesForwarded   uint64         `json:"frames_forwarded"`
	FramesUploaded    uint64         `json:"frames_uploaded"`
	ErrorCount        uint64         `json:"error_count"`
	LastQRContent     string         `json:"last_qr_content"`
	LastFrameSeq      uint64         `json:"last_frame_seq"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Action            *action.Result `json:"-"`
}

// Fields flattens the snapshot for structured encoders such as structpb.
func (s *Snapshot) Fields() map[string]any {
	fields := map[string]any{
		"run_id":             s.RunID,
		"state":              s.State,
		"marker_count":       s.MarkerCount,
		"target_frames":      s.TargetFrames,
		"detection_complete": s.DetectionComplete,
		"frames_captured":    s.FramesCaptured,
		"frames_forwarded":   s.FramesForwarded,
		"frames_uploaded":    s.FramesUploaded,
		"error_count":        s.ErrorCount,
		"last_qr_content":    s.LastQRContent,
		"last_frame_seq":     s.LastFrameSeq,
		"started_at":         s.StartedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":         s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	if s.Action != nil {
		fields["action"] = s.Action.Fields()
	}

	return fields
}

// Store guards the snapshot and the latest encoded frame.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	// frame and frameSeq always describe the same published frame.
	frame    []byte
	frameSeq uint64
}

// NewStore creates a store for a run.
func NewStore(runID string, threshold int, state string) *Store {
	now := time.Now()

	return &Store{
		snap: Snapshot{
			RunID:        runID,
			State:        state,
			TargetFrames: threshold,
			StartedAt:    now,
			UpdatedAt:    now,
		},
	}
}

// Update applies fn to the snapshot atomically with respect to readers.
// fn must not retain the pointer.
func (s *Store) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.snap)
	s.snap.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the current snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.snap
	snap.Action = s.snap.Action.Clone()

	return snap
}

// PublishFrame records a frame delivered to the streaming consumer and counts it as forwarded.
// data must not be modified afterwards. last_frame_seq stays with the capture loop.
func (s *Store) PublishFrame(seq uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frame = data
	s.frameSeq = seq
	s.snap.FramesForwarded++
	s.snap.UpdatedAt = time.Now()
}

// Frame returns the latest encoded frame and its sequence number. The bytes
// are shared and must be treated as read-only.
func (s *Store) Frame() (uint64, []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.frameSeq, s.frame
}

// CountError increments error_count.
func (s *Store) CountError() {
	s.Update(func(snap *Snapshot) {
		snap.ErrorCount++
	})
}

// LastQRContent returns the last decoded payload.
func (s *Store) LastQRContent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snap.LastQRContent
}

// CountUploaded increments frames_uploaded.
func (s *Store) CountUploaded() {
	s.Update(func(snap *Snapshot) {
		snap.FramesUploaded++
	})
}
