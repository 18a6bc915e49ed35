//go:build !tesseract

package ocr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGosseractRecognizerNeedsBuildTag(t *testing.T) {
	r, err := NewGosseractRecognizer("eng")
	assert.Nil(t, r)
	assert.ErrorIs(t, err, ErrTesseractUnavailable)
}
