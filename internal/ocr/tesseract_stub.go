//go:build !tesseract

package ocr

// NewGosseractRecognizer needs libtesseract and cgo; see tesseract_gosseract.go.
func NewGosseractRecognizer(...string) (*TesseractRecognizer, error) {
	return nil, ErrTesseractUnavailable
}
