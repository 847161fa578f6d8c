package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/fatih/color"

	"github.com/oshokin/drone-marker/internal/config"
	"github.com/oshokin/drone-marker/internal/logger"
	"github.com/oshokin/drone-marker/internal/service/common"
)

// Options configures the status query.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string
	// Address overrides the gRPC address from config when specified.
	Address string
	// Out receives the rendered snapshot, stdout when nil.
	Out io.Writer
}

// ErrNoAddress indicates the control plane is disabled and no address was given.
var ErrNoAddress = errors.New("no gRPC address configured")

//nolint:gochecknoglobals // Shared palette for the rendered snapshot.
var (
	keyColor   = color.New(color.FgCyan)
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
)

// Run dials the controller and prints its status.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "status")

	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	address := cfg.GRPC.Address
	if opts.Address != "" {
		address = opts.Address
	}

	if address == "" {
		return ErrNoAddress
	}

	client, err := common.Dial(ctx, address, common.WithCallTimeout(config.DefaultTimeout))
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	fields, err := client.GetStatus(ctx)
	if err != nil {
		return err
	}

	serving, err := client.Serving(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Health check failed", "address", address, "error", err)
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	Render(out, fields, serving)

	return nil
}

// Render prints the snapshot fields sorted by key. The state line is
// colour-coded and the action result, if any, is printed last.
func Render(w io.Writer, fields map[string]any, serving bool) {
	health := okColor.Sprint("SERVING")
	if !serving {
		health = warnColor.Sprint("NOT_SERVING")
	}

	_, _ = fmt.Fprintf(w, "%s %s\n", keyColor.Sprint("health:"), health)

	action, _ := fields["action"].(map[string]any)

	keys := make([]string, 0, len(fields))
	for key := range fields {
		if key != "action" {
			keys = append(keys, key)
		}
	}

	slices.Sort(keys)

	for _, key := range keys {
		value := formatValue(fields[key])
		if key == "state" {
			value = stateColor(value).Sprint(value)
		}

		_, _ = fmt.Fprintf(w, "%s %s\n", keyColor.Sprint(key+":"), value)
	}

	if action == nil {
		return
	}

	_, _ = fmt.Fprintln(w, keyColor.Sprint("action:"))

	actionKeys := make([]string, 0, len(action))
	for key := range action {
		actionKeys = append(actionKeys, key)
	}

	slices.Sort(actionKeys)

	for _, key := range actionKeys {
		value := formatValue(action[key])
		if strings.HasSuffix(key, "_error") {
			value = errorColor.Sprint(value)
		}

		_, _ = fmt.Fprintf(w, "  %s %s\n", keyColor.Sprint(key+":"), value)
	}
}

func stateColor(state string) *color.Color {
	switch state {
	case "triggered":
		return okColor
	case "faulted":
		return errorColor
	default:
		return warnColor
	}
}

// formatValue prints whole numbers without a fractional part; Struct values
// carry every number as float64.
func formatValue(value any) string {
	if f, ok := value.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}

	return fmt.Sprint(value)
}
