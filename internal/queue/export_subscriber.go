package queue

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// LedgerWriter appends export batches to w as JSON lines.
type LedgerWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLedgerWriter(w io.Writer) *LedgerWriter {
	return &LedgerWriter{w: w}
}

func (l *LedgerWriter) Write(batch ExportBatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return json.NewEncoder(l.w).Encode(batch)
}

// StartExportSubscriber hands export batches on topic to sink. A nil
// sink only logs the batch totals.
func StartExportSubscriber(ctx context.Context, q Queue, topic string, sink *LedgerWriter, log zerolog.Logger) error {
	return q.Subscribe(topic, func(payload any) error {
		var batch ExportBatch
		if err := Decode(payload, &batch); err != nil {
			log.Warn().Err(err).Msg("invalid export batch payload, dropping")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batchLog := log.With().Str("batch_id", batch.BatchID).Int("lines", len(batch.Lines)).Str("total", batch.Total.StringFixed(2)).Logger()
		if sink != nil {
			if err := sink.Write(batch); err != nil {
				batchLog.Error().Err(err).Msg("writing export batch failed")
				return err
			}
		}
		batchLog.Info().Msg("export batch received")
		return nil
	})
}
