package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"parking-service/internal/domain/parking"
)

// FormatMessage renders the human-readable batch text.
func FormatMessage(entries []parking.PendingNotification) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "New parking violations: %d\n", len(entries))
	for _, e := range entries {
		plate := e.Plate
		if plate == "" {
			plate = parking.UnknownPlate
		}
		color := e.Color
		if color == "" {
			color = parking.UnknownColor
		}
		fmt.Fprintf(&sb, "\n- %s (%s) at %s", plate, color, e.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return sb.String()
}

// LogTransport writes batches to the log. It is used when no outbox is
// configured.
type LogTransport struct {
	log zerolog.Logger
}

func NewLogTransport(log zerolog.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) SendBatch(_ context.Context, batch Batch) error {
	t.log.Info().
		Str("batch_id", batch.ID.String()).
		Int("count", batch.Count).
		Str("message", batch.Message).
		Msg("notification batch")
	return nil
}
