// Package explore generates several candidate implementations of a unit
// concurrently and keeps the best one. It is a thin consumer of the loader:
// every variant goes through the full resolution pipeline (including the
// safety validator) before it can win, and only the winner is persisted.
package explore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"conjure/internal/cache"
	"conjure/internal/config"
	"conjure/internal/loader"
	"conjure/internal/logging"
	"conjure/internal/resolver"
	"conjure/internal/unit"
)

const defaultVariants = 3

// Scorer ranks a materialized variant; higher is better.
type Scorer func(ctx context.Context, u *unit.Unit) (float64, error)

// Spec describes one exploration run.
type Spec struct {
	FullName string
	Symbols  []string
	Variants int
	Scorer   Scorer
}

// Variant records the outcome of one candidate generation.
type Variant struct {
	ID     string
	Source string
	Score  float64
	Err    error
}

// Result is the outcome of an exploration: the winning unit plus the record
// of every variant attempted.
type Result struct {
	Winner   *unit.Unit
	Variants []Variant
}

// ExplorationError reports that no variant survived the pipeline.
type ExplorationError struct {
	Unit     string
	Attempts int
}

func (e *ExplorationError) Error() string {
	return fmt.Sprintf("exploration of unit %s produced no usable variant in %d attempts", e.Unit, e.Attempts)
}

// Explorer runs variant exploration on top of a Loader.
type Explorer struct {
	cfg    func() config.Config
	loader *loader.Loader
}

// New creates an Explorer sharing the given loader and config provider.
func New(cfg func() config.Config, l *loader.Loader) *Explorer {
	return &Explorer{cfg: cfg, loader: l}
}

// Explore generates spec.Variants candidates concurrently in AlwaysFresh
// mode, scores the survivors, and persists the winner's source under the
// unit's cache key so the next Cached-mode resolution picks it up.
func (e *Explorer) Explore(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Scorer == nil {
		return nil, fmt.Errorf("explore: a scorer is required")
	}
	n := spec.Variants
	if n <= 0 {
		n = defaultVariants
	}

	log := logging.L("explore")
	variants := make([]Variant, n)
	units := make([]*unit.Unit, n)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)
	for idx := 0; idx < n; idx++ {
		idx := idx
		g.Go(func() error {
			id := uuid.NewString()
			u, err := e.loader.Load(gctx, loader.Request{
				FullName: spec.FullName,
				Mode:     resolver.ModeAlwaysFresh,
				Symbols:  spec.Symbols,
			})

			mu.Lock()
			defer mu.Unlock()
			variants[idx].ID = id
			if err != nil {
				variants[idx].Err = err
				log.Debug("variant failed", zap.String("variant", id), zap.Error(err))
				return nil // a failed variant does not abort the run
			}
			variants[idx].Source = u.Source()
			units[idx] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := -1
	for idx, u := range units {
		if u == nil {
			continue
		}
		score, err := spec.Scorer(ctx, u)
		if err != nil {
			variants[idx].Err = err
			units[idx] = nil
			continue
		}
		variants[idx].Score = score
		if best < 0 || score > variants[best].Score {
			best = idx
		}
	}

	if best < 0 {
		return nil, &ExplorationError{Unit: spec.FullName, Attempts: n}
	}

	winner := units[best]
	store := cache.NewStore(e.cfg().Cache.Dir)
	if _, err := store.Write(cache.Key(spec.FullName), winner.Source()); err != nil {
		return nil, err
	}
	log.Info("exploration winner persisted",
		zap.String("unit", spec.FullName),
		zap.String("variant", variants[best].ID),
		zap.Float64("score", variants[best].Score))

	return &Result{Winner: winner, Variants: variants}, nil
}
