//go:build tesseract

package ocr

import (
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// gosseractReader serializes access to one tesseract client.
type gosseractReader struct {
	mu     sync.Mutex
	client *gosseract.Client
}

// NewGosseractRecognizer builds a recognizer on libtesseract for the given
// languages ("eng" when none are given).
func NewGosseractRecognizer(languages ...string) (*TesseractRecognizer, error) {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	client := gosseract.NewClient()
	if err := client.SetLanguage(languages...); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set tesseract language: %w", err)
	}
	if err := client.SetWhitelist(PlateCharset); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set tesseract whitelist: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set tesseract page mode: %w", err)
	}
	return NewTesseractRecognizer(&gosseractReader{client: client}), nil
}

func (g *gosseractReader) Words(img []byte) ([]WordBox, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.client.SetImageFromBytes(img); err != nil {
		return nil, err
	}
	boxes, err := g.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, err
	}
	words := make([]WordBox, 0, len(boxes))
	for _, box := range boxes {
		words = append(words, WordBox{Word: box.Word, Confidence: box.Confidence})
	}
	return words, nil
}

func (g *gosseractReader) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.client.Close()
}
