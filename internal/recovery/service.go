// Package recovery brings durable Active sessions back to life: once at
// boot, and again whenever cluster membership shifts ownership around.
package recovery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hexfray/server/internal/cluster"
)

// Placement is the slice of the session registry recovery drives.
// *placement.Registry satisfies it.
type Placement interface {
	Sweep(ctx context.Context) error
	HandleMembershipChange(ctx context.Context, members []string)
}

// Membership exposes the live member list and its change stream.
// *cluster.Node satisfies it.
type Membership interface {
	Members() []string
	Events() <-chan cluster.Event
}

type Service struct {
	placement  Placement
	membership Membership
	log        *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(p Placement, m Membership, log *zap.Logger) *Service {
	return &Service{placement: p, membership: m, log: log.Named("recovery")}
}

// Start runs the boot sweep, then watches membership events and
// re-balances after each one. The boot sweep's error is returned so the
// entrypoint can refuse to come up without the durable store; later sweep
// failures are logged and retried on the next event.
func (s *Service) Start(ctx context.Context) error {
	if err := s.placement.Sweep(ctx); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.watch(watchCtx)
	return nil
}

func (s *Service) watch(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.membership.Events():
			if !ok {
				return
			}
			s.log.Info("membership changed, re-balancing sessions",
				zap.String("node", ev.Node),
				zap.Stringer("event", ev.Type))
			s.placement.HandleMembershipChange(ctx, s.membership.Members())
		}
	}
}

// Stop halts the membership watcher. Already-running re-balances finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
