package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	// Register the JPEG format for image.Decode.
	_ "image/jpeg"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/oshokin/drone-marker/internal/domain/frame"
	"github.com/oshokin/drone-marker/internal/domain/marker"
)

// DecodeError reports that the marker decoder malfunctioned.
type DecodeError struct {
	Seq uint64
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %d: %v", e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder reads QR codes from JPEG frames. It is not safe for concurrent use.
type Decoder struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]any
}

// New creates a QR decoder. tryHarder trades speed for accuracy on small or skewed codes.
func New(tryHarder bool) *Decoder {
	hints := make(map[gozxing.DecodeHintType]any)
	if tryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}

	return &Decoder{
		reader: qrcode.NewQRCodeReader(),
		hints:  hints,
	}
}

// Decode returns the observation for f. The payload is whitespace-trimmed.
func (d *Decoder) Decode(f *frame.Frame) (obs marker.Observation, err error) {
	defer func() {
		if r := recover(); r != nil {
			obs = marker.Observation{}
			err = &DecodeError{Seq: f.Seq, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		// Damaged frames are common on a vibrating airframe.
		return marker.NoMarker(f.Seq), nil
	}

	return d.DecodeImage(f.Seq, img)
}

// DecodeImage runs the QR reader on an already decoded image.
func (d *Decoder) DecodeImage(seq uint64, img image.Image) (marker.Observation, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return marker.Observation{}, &DecodeError{Seq: seq, Err: err}
	}

	defer d.reader.Reset()

	result, err := d.reader.Decode(bmp, d.hints)
	if err != nil {
		if isNoMarker(err) {
			return marker.NoMarker(seq), nil
		}

		return marker.Observation{}, &DecodeError{Seq: seq, Err: err}
	}

	return marker.Decoded(seq, strings.TrimSpace(result.GetText())), nil
}

// isNoMarker reports reader errors that mean the frame simply holds no usable code.
func isNoMarker(err error) bool {
	var (
		notFound gozxing.NotFoundException
		checksum gozxing.ChecksumException
		format   gozxing.FormatException
	)

	return errors.As(err, &notFound) || errors.As(err, &checksum) || errors.As(err, &format)
}
