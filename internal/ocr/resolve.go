package ocr

import (
	"parking-service/internal/domain/parking"
	"parking-service/internal/utils"
)

// Resolve picks the most frequent text among attempts (first seen wins ties)
// and accepts it only when it is a valid plate whose average confidence
// exceeds minConfidence. Otherwise it returns parking.UnknownPlate.
func Resolve(attempts []parking.OcrAttempt, minConfidence float64) (string, float64) {
	if len(attempts) == 0 {
		return parking.UnknownPlate, 0
	}

	type group struct {
		count int
		sum   float64
	}
	groups := make(map[string]*group)
	var order []string
	for _, a := range attempts {
		g, ok := groups[a.Text]
		if !ok {
			g = &group{}
			groups[a.Text] = g
			order = append(order, a.Text)
		}
		g.count++
		g.sum += a.Confidence
	}

	best := order[0]
	for _, text := range order[1:] {
		if groups[text].count > groups[best].count {
			best = text
		}
	}

	g := groups[best]
	avg := g.sum / float64(g.count)
	if utils.IsValidPlate(best) && avg > minConfidence {
		return best, avg
	}
	return parking.UnknownPlate, avg
}

// bestReading keeps the highest-confidence plate-shaped reading of one
// recognizer call, or an empty zero-confidence attempt.
func bestReading(readings []Reading) parking.OcrAttempt {
	var best parking.OcrAttempt
	for _, r := range readings {
		if !utils.IsValidPlate(r.Text) {
			continue
		}
		if r.Confidence > best.Confidence {
			best = parking.OcrAttempt{Text: r.Text, Confidence: r.Confidence}
		}
	}
	return best
}
