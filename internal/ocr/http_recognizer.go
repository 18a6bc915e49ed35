package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"
)

// alprResponse is the OpenALPR-style body returned by the recognition service.
type alprResponse struct {
	ProcessingTime float64      `json:"processing_time_ms"`
	Results        []alprResult `json:"results"`
}

type alprResult struct {
	Plate      string  `json:"plate"`
	Confidence float64 `json:"confidence"`
}

// HTTPRecognizer posts a JPEG to a recognition endpoint.
type HTTPRecognizer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRecognizer(endpoint string, timeout time.Duration) *HTTPRecognizer {
	return &HTTPRecognizer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRecognizer) Recognize(ctx context.Context, img image.Image) ([]Reading, error) {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OCR request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("OCR service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var parsed alprResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode OCR response: %w", err)
	}

	readings := make([]Reading, 0, len(parsed.Results))
	for _, res := range parsed.Results {
		conf := res.Confidence
		// OpenALPR reports percentages.
		if conf > 1 {
			conf /= 100
		}
		readings = append(readings, Reading{Text: res.Plate, Confidence: conf})
	}
	return readings, nil
}
