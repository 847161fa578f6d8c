package camera

import (
	"bufio"
	"errors"
	"io"
)

const (
	markerPrefix = 0xFF
	markerSOI    = 0xD8
	markerEOI    = 0xD9

	// defaultMaxFrameSize bounds a single JPEG so a corrupt stream cannot grow memory forever.
	defaultMaxFrameSize = 8 << 20
	// initialFrameHint is the first buffer allocation for a frame.
	initialFrameHint = 64 << 10
)

// Splitter extracts JPEG images from a concatenated MJPEG byte stream.
// Bytes between an EOI and the next SOI are skipped.
type Splitter struct {
	r       *bufio.Reader
	maxSize int
	hint    int
}

// NewSplitter wraps r. A maxSize of zero selects the default limit.
func NewSplitter(r io.Reader, maxSize int) *Splitter {
	if maxSize <= 0 {
		maxSize = defaultMaxFrameSize
	}

	return &Splitter{
		r:       bufio.NewReaderSize(r, 32<<10),
		maxSize: maxSize,
		hint:    initialFrameHint,
	}
}

// Next returns the next complete JPEG. It returns io.EOF when the stream ends
// cleanly between frames and io.ErrUnexpectedEOF when it ends inside one.
func (s *Splitter) Next() ([]byte, error) {
	// Find SOI.
	var prev byte

	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, err
		}

		if prev == markerPrefix && b == markerSOI {
			break
		}

		prev = b
	}

	buf := make([]byte, 0, s.hint)
	buf = append(buf, markerPrefix, markerSOI)
	prev = 0

	for {
		b, err := s.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return nil, err
		}

		buf = append(buf, b)
		if len(buf) > s.maxSize {
			return nil, ErrFrameTooLarge
		}

		if prev == markerPrefix && b == markerEOI {
			s.hint = max(len(buf), initialFrameHint)

			return buf, nil
		}

		prev = b
	}
}
