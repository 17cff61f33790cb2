package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each backend probe.
const checkTimeout = 5 * time.Second

type healthCheck struct {
	name string
	fn   func(context.Context) error
}

func (s *Server) check(name string, fn func(context.Context) error) {
	s.checks = append(s.checks, healthCheck{name: name, fn: fn})
}

// CheckHealth probes every configured backend in parallel and returns the
// first failure. Every result is logged.
func (s *Server) CheckHealth(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range s.checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			if err := c.fn(cctx); err != nil {
				log.Warn().Err(err).Str("backend", c.name).Msg("❌ Health check failed")
				return fmt.Errorf("%s: %w", c.name, err)
			}
			log.Debug().Str("backend", c.name).Dur("took", time.Since(start)).Msg("Health check passed")
			return nil
		})
	}
	return g.Wait()
}
