// Package pretrain drives the data-driven initialisation of attention mixtures:
// a token-budgeted collection stage with frozen parameters, followed by one
// Gaussian mixture fit per buffer whose result is written into the model.
package pretrain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-asr/internal/attention"
	"github.com/23skdu/longbow-asr/internal/gmm"
	"github.com/23skdu/longbow-asr/internal/logger"
	"github.com/23skdu/longbow-asr/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Binding ties a buffer key to the parameters its fitted mixture is written into.
type Binding struct {
	Key    Key
	Target attention.Target
}

type Initializer struct {
	fit     gmm.Config
	workers int
	log     *logger.Logger
}

// NewInitializer uses fit as a template; Components is taken from each target.
func NewInitializer(fit gmm.Config, workers int) *Initializer {
	if workers <= 0 {
		workers = 1
	}
	return &Initializer{fit: fit, workers: workers, log: logger.Component("pretrain")}
}

// Result summarises one completed fit.
type Result struct {
	Key        Key
	Samples    int
	Iterations int
	Converged  bool
}

// Run fits every binding from the buffer. Semantic buffers are truncated to
// budget rows and pooled query buffers to budget*heads rows. Buffers with fewer
// rows than components are skipped and left at their previous values.
func (in *Initializer) Run(ctx context.Context, buf *Buffer, bindings []Binding, budget int) ([]Result, error) {
	results := make([]Result, len(bindings))
	fitted := make([]bool, len(bindings))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(in.workers)
	for i, b := range bindings {
		limit := budget
		if b.Key.Head == HeadMixture {
			limit = budget * b.Target.Components
		}
		x := buf.Matrix(b.Key, limit)
		if x == nil {
			in.log.Warn("No embeddings recorded, keeping initial mixture", "key", b.Key.String())
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cfg := in.fit
			cfg.Components = b.Target.Components
			n, _ := x.Dims()
			in.log.Info("Fitting mixture", "key", b.Key.String(), "samples", n, "components", cfg.Components)
			start := time.Now()
			m, err := gmm.Fit(x, cfg)
			if errors.Is(err, gmm.ErrTooFewSamples) {
				in.log.Warn("Too few embeddings for mixture fit", "key", b.Key.String(), "error", err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("fit %s: %w", b.Key, err)
			}
			if err := b.Target.Assign(m.Means, m.Covariances, m.Weights); err != nil {
				return fmt.Errorf("assign %s: %w", b.Key, err)
			}
			metrics.RecordGMMFit(string(b.Key.Stream), b.Key.Kind(), m.Iterations, time.Since(start))
			results[i] = Result{Key: b.Key, Samples: n, Iterations: m.Iterations, Converged: m.Converged}
			fitted[i] = true
			if !m.Converged {
				in.log.Debug("Mixture fit hit iteration limit", "key", b.Key.String(), "iterations", m.Iterations)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for i, ok := range fitted {
		if ok {
			out = append(out, results[i])
		}
	}
	in.log.Info("Mixture initialization complete", "fits", len(out), "bindings", len(bindings))
	return out, nil
}
