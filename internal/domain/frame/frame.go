package frame

import "time"

// Frame is one encoded camera image. A Frame is produced once by the frame
// source and then shared read-only by all consumers, so nobody may modify
// Data after publication.
type Frame struct {
	// Seq increases by one for every frame the source produces.
	Seq uint64
	// CapturedAt is the wall-clock time the frame was read from the device.
	CapturedAt time.Time
	// Data holds the JPEG-encoded image.
	Data []byte
	// Width and Height are the configured capture geometry.
	Width  int
	Height int
}

// Clone returns a deep copy of the frame. Consumers that need to alter the
// image bytes work on a clone.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}

	cloned := *f
	cloned.Data = append([]byte(nil), f.Data...)

	return &cloned
}

// Size returns the encoded size in bytes.
func (f *Frame) Size() int {
	if f == nil {
		return 0
	}

	return len(f.Data)
}
