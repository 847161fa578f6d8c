package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData is wrapped in a DeviceError when no frame arrives within the read timeout.
	ErrNoData = errors.New("no frame data within read timeout")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("camera stream closed")
	// ErrFrameTooLarge is returned when a JPEG exceeds the splitter size limit.
	ErrFrameTooLarge = errors.New("jpeg frame exceeds size limit")
)

// DeviceError reports that the camera is unusable. It is fatal to the run.
type DeviceError struct {
	// Op is the failed operation: "open" or "read".
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("camera %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
