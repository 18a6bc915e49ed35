package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"strings"
)

// ErrTesseractUnavailable is returned when the binary was built without the
// tesseract build tag.
var ErrTesseractUnavailable = errors.New("built without tesseract support (rebuild with -tags tesseract)")

// PlateCharset limits tesseract to characters that can appear on a plate.
const PlateCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 "

// WordBox is one word found by tesseract. Confidence is on tesseract's 0-100 scale.
type WordBox struct {
	Word       string
	Confidence float64
}

// WordReader runs tesseract on an encoded image and returns words in reading order.
type WordReader interface {
	Words(img []byte) ([]WordBox, error)
}

// TesseractRecognizer reads plates with a local tesseract engine.
type TesseractRecognizer struct {
	reader WordReader
}

func NewTesseractRecognizer(reader WordReader) *TesseractRecognizer {
	return &TesseractRecognizer{reader: reader}
}

func (r *TesseractRecognizer) Recognize(ctx context.Context, img image.Image) ([]Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	words, err := r.reader.Words(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("tesseract failed: %w", err)
	}
	return wordReadings(words), nil
}

func (r *TesseractRecognizer) Close() error {
	if c, ok := r.reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// wordReadings turns each word into a reading and, when a plate is split
// across several words, adds the joined line with the mean confidence.
func wordReadings(words []WordBox) []Reading {
	readings := make([]Reading, 0, len(words)+1)
	parts := make([]string, 0, len(words))
	var sum float64
	for _, w := range words {
		text := strings.TrimSpace(w.Word)
		if text == "" {
			continue
		}
		conf := w.Confidence / 100
		readings = append(readings, Reading{Text: text, Confidence: conf})
		parts = append(parts, text)
		sum += conf
	}
	if len(parts) > 1 {
		readings = append(readings, Reading{
			Text:       strings.Join(parts, " "),
			Confidence: sum / float64(len(parts)),
		})
	}
	return readings
}
