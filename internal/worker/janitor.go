package worker

import (
	"context"
	"time"
)

// Pruner removes finished outputs older than a cutoff.
type Pruner interface {
	Prune(cutoff time.Time) ([]string, error)
}

func (w *Worker) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(w.janitorInterval)
	defer ticker.Stop()

	for {
		w.prune()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) prune() {
	removed, err := w.pruner.Prune(time.Now().Add(-w.retention))
	if err != nil {
		w.log.Warn().Err(err).Msg("prune outputs")
	}
	if len(removed) > 0 {
		w.log.Info().Int("count", len(removed)).Dur("retention", w.retention).Msg("pruned expired outputs")
	}
}
