package ocr

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-service/internal/domain/parking"
)

type stubWordReader struct {
	words  []WordBox
	err    error
	got    []byte
	closed bool
}

func (s *stubWordReader) Words(img []byte) ([]WordBox, error) {
	s.got = img
	return s.words, s.err
}

func (s *stubWordReader) Close() error {
	s.closed = true
	return nil
}

func TestTesseractRecognizerMapsWordBoxes(t *testing.T) {
	reader := &stubWordReader{words: []WordBox{
		{Word: "ABC", Confidence: 90},
		{Word: " ", Confidence: 10},
		{Word: "1234", Confidence: 80},
	}}
	r := NewTesseractRecognizer(reader)

	readings, err := r.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 6, 3)))
	require.NoError(t, err)
	require.Len(t, readings, 3)
	assert.Equal(t, "ABC", readings[0].Text)
	assert.InDelta(t, 0.9, readings[0].Confidence, 1e-9)
	assert.Equal(t, "1234", readings[1].Text)
	assert.InDelta(t, 0.8, readings[1].Confidence, 1e-9)
	assert.Equal(t, "ABC 1234", readings[2].Text)
	assert.InDelta(t, 0.85, readings[2].Confidence, 1e-9)

	assert.Equal(t, parking.OcrAttempt{Text: "ABC 1234", Confidence: 0.85}, bestReading(readings))

	decoded, err := png.Decode(bytes.NewReader(reader.got))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 3), decoded.Bounds())

	require.NoError(t, r.Close())
	assert.True(t, reader.closed)
}

func TestTesseractRecognizerSingleWord(t *testing.T) {
	r := NewTesseractRecognizer(&stubWordReader{words: []WordBox{{Word: "XYZ1234", Confidence: 75}}})

	readings, err := r.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	require.NoError(t, err)
	assert.Equal(t, []Reading{{Text: "XYZ1234", Confidence: 0.75}}, readings)
}

func TestTesseractRecognizerErrors(t *testing.T) {
	r := NewTesseractRecognizer(&stubWordReader{err: errors.New("no traineddata")})
	_, err := r.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.ErrorContains(t, err, "no traineddata")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Recognize(ctx, image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.ErrorIs(t, err, context.Canceled)
}
