package events

import (
	"context"
	"log/slog"
)

// Log writes every event on b to logger at debug level until ctx ends.
// It blocks; run it in its own goroutine.
func Log(ctx context.Context, b *Bus, logger *slog.Logger) {
	ch := b.Subscribe(64)
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			attrs := make([]any, 0, 4+2*len(e.Data))
			attrs = append(attrs, "source", e.Source, "kind", e.Kind)
			for k, v := range e.Data {
				attrs = append(attrs, k, v)
			}
			logger.Debug("event", attrs...)
		}
	}
}
