package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// Sweeper marks long-idle conversations inactive on a cron schedule, so the
// active set reflects conversations that can still receive a routed turn.
type Sweeper struct {
	conversations store.ConversationStore
	schedule      string
	inactiveAfter time.Duration
	gron          *gronx.Gronx
	logger        *slog.Logger
}

// NewSweeper validates the cron expression up front so a bad schedule fails
// at startup instead of silently never firing.
func NewSweeper(cs store.ConversationStore, schedule string, inactiveAfter time.Duration, logger *slog.Logger) (*Sweeper, error) {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("invalid retention schedule %q", schedule)
	}
	return &Sweeper{
		conversations: cs,
		schedule:      schedule,
		inactiveAfter: inactiveAfter,
		gron:          g,
		logger:        logger.With("component", "retention"),
	}, nil
}

// Run ticks once per minute and sweeps when the schedule is due.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.schedule, now)
			if err != nil || !due {
				continue
			}
			s.sweep(ctx, now)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.inactiveAfter)
	n, err := s.conversations.MarkInactiveBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention sweep", "marked_inactive", n, "cutoff", cutoff)
	}
}
