package auth

import (
	"context"
	"log"
	"time"

	"github.com/lumeopage/server/internal/repo"
)

// Sweeper enforces retention: expired sessions move to a terminal revoked
// state, and rows past the retention window are removed. Active sessions
// and unexpired tokens are never touched.
type Sweeper struct {
	sessions repo.SessionRepo
	links    repo.MagicLinkRepo
	codes    repo.ExchangeCodeRepo

	retention time.Duration
	interval  time.Duration
}

// NewSweeper creates the retention sweeper.
func NewSweeper(sessions repo.SessionRepo, links repo.MagicLinkRepo, codes repo.ExchangeCodeRepo,
	retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		sessions:  sessions,
		links:     links,
		codes:     codes,
		retention: retention,
		interval:  interval,
	}
}

// Sweep runs one pass. Each step is independent; a failing step is logged
// and the rest still run.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	cutoff := now.Add(-s.retention)

	if n, err := s.sessions.RevokeExpired(ctx, now); err != nil {
		log.Printf("sweep: revoke expired sessions: %v", err)
	} else if n > 0 {
		log.Printf("sweep: revoked %d expired sessions", n)
	}

	if n, err := s.sessions.DeleteExpiredBefore(ctx, cutoff); err != nil {
		log.Printf("sweep: delete old sessions: %v", err)
	} else if n > 0 {
		log.Printf("sweep: deleted %d sessions past retention", n)
	}

	if n, err := s.links.DeleteExpiredBefore(ctx, cutoff); err != nil {
		log.Printf("sweep: delete old magic link tokens: %v", err)
	} else if n > 0 {
		log.Printf("sweep: deleted %d magic link tokens past retention", n)
	}

	// Exchange codes live for a minute; anything expired is garbage.
	if n, err := s.codes.DeleteExpiredBefore(ctx, now); err != nil {
		log.Printf("sweep: delete expired exchange codes: %v", err)
	} else if n > 0 {
		log.Printf("sweep: deleted %d expired exchange codes", n)
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
