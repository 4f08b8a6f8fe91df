package enrich

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Enricher returns a context block for the question, or "" when it has nothing relevant.
type Enricher interface {
	Enrich(ctx context.Context, question string) (string, error)
}

// Multi runs several enrichers concurrently and joins their non-empty blocks
// in declaration order. A failing enricher is logged and skipped.
type Multi struct {
	enrichers []Enricher
	logger    *slog.Logger
}

func NewMulti(logger *slog.Logger, enrichers ...Enricher) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{enrichers: enrichers, logger: logger}
}

// Len reports how many enrichers are combined.
func (m *Multi) Len() int { return len(m.enrichers) }

func (m *Multi) Enrich(ctx context.Context, question string) (string, error) {
	blocks := make([]string, len(m.enrichers))
	var g errgroup.Group
	for i, e := range m.enrichers {
		g.Go(func() error {
			block, err := e.Enrich(ctx, question)
			if err != nil {
				m.logger.Warn("enrich: enricher failed, skipping", "index", i, "err", err)
				return nil
			}
			blocks[i] = strings.TrimSpace(block)
			return nil
		})
	}
	g.Wait()

	var parts []string
	for _, b := range blocks {
		if b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
