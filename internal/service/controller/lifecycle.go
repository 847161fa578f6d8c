package controller

import (
	"bufio"
	"context"
	"maps"
	"strings"

	"github.com/oshokin/drone-marker/internal/emitter"
	"github.com/oshokin/drone-marker/internal/logger"
	"github.com/oshokin/drone-marker/internal/repository/runlog"
	"github.com/oshokin/drone-marker/internal/status"
)

// escape is the ESC key as read from a terminal line.
const escape = "\x1b"

func (c *Controller) started(ctx context.Context) {
	fields := map[string]any{
		"target_text":    c.cfg.Marker.TargetText,
		"threshold":      c.cfg.Marker.Threshold,
		"camera":         c.cfg.Camera.DevicePath(),
		"serial_port":    c.cfg.Serial.Port,
		"hub_buffer":     c.hub.Capacity(),
		"servo_enabled":  c.deps.Servo != nil,
		"upload_enabled": c.deps.Upload != nil,
	}

	maps.Copy(fields, c.deps.StartFields)

	c.record(ctx, runlog.Entry{Kind: runlog.KindLifecycle, Message: "started", Fields: fields})
	c.emit(ctx, emitter.EventStarted, fields)

	logger.InfoKV(ctx, "Controller started",
		"target_text", c.cfg.Marker.TargetText,
		"threshold", c.cfg.Marker.Threshold)
}

// finish writes the final entry and closes the run log and the emitter.
func (c *Controller) finish(ctx context.Context, runErr error) error {
	if runErr != nil {
		// A device failure ends confirmation without a decoder fault.
		c.machine.Fault(runErr)

		c.store.Update(func(snap *status.Snapshot) {
			snap.State = c.machine.State().Status.String()
		})
	}

	snap := c.store.Snapshot()
	fields := snap.Fields()
	delete(fields, "action")

	if runErr != nil {
		logger.ErrorKV(ctx, "FATAL: run aborted", "error", runErr)

		c.record(ctx, runlog.Entry{Kind: runlog.KindFatal, Message: runErr.Error(), Fields: fields})
		c.emit(ctx, emitter.EventFatal, map[string]any{"error": runErr.Error()})
	} else {
		fields["reason"] = c.reason

		logger.InfoKV(ctx, "Controller stopped", "reason", c.reason)

		c.record(ctx, runlog.Entry{Kind: runlog.KindLifecycle, Message: "stopped", Fields: fields})
		c.emit(ctx, emitter.EventStopped, map[string]any{"reason": c.reason})
	}

	if c.deps.RunLog != nil {
		if err := c.deps.RunLog.Close(); err != nil {
			logger.WarnKV(ctx, "Unable to close run log", "error", err)
		}
	}

	c.deps.Emitter.Close()

	return runErr
}

// release stops the frame source and closes the devices owned by the sequencer.
func (c *Controller) release(ctx context.Context) {
	if err := c.deps.Source.Close(); err != nil {
		logger.WarnKV(ctx, "Unable to close frame source", "error", err)
	}

	if c.deps.Servo != nil {
		if err := c.deps.Servo.Release(); err != nil {
			logger.WarnKV(ctx, "Unable to release servo", "error", err)
		}
	}

	if c.deps.Link != nil {
		if err := c.deps.Link.Close(); err != nil {
			logger.WarnKV(ctx, "Unable to close flight-controller link", "error", err)
		}
	}
}

// record appends to the run log. Failures are counted, never fatal.
func (c *Controller) record(ctx context.Context, entry runlog.Entry) {
	if c.deps.RunLog == nil {
		return
	}

	if err := c.deps.RunLog.Append(ctx, entry); err != nil {
		c.store.CountError()
		logger.WarnKV(ctx, "Unable to append to run log", "kind", entry.Kind, "error", err)
	}
}

// emit publishes an event. The emitter counts its own failures.
func (c *Controller) emit(ctx context.Context, name string, fields map[string]any) {
	_ = c.deps.Emitter.Emit(ctx, name, fields)
}

// console aborts the run when the operator types q or ESC followed by Enter.
func (c *Controller) console(ctx context.Context) error {
	lines := make(chan string)

	// The scanner goroutine may outlive the run while blocked on a terminal read.
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(c.deps.Console)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info(ctx, "Console abort enabled, type q and press Enter to stop")

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if isAbort(line) {
				logger.Warn(ctx, "Abort requested from console")
				c.stop(reasonOperator)

				return nil
			}
		}
	}
}

func isAbort(line string) bool {
	line = strings.TrimSpace(line)

	return strings.EqualFold(line, "q") || strings.Contains(line, escape)
}
