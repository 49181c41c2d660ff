// internal/game/monitor.go
package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karchevskii/tictactoe/internal/lease"
	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/karchevskii/tictactoe/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Lease elects the single process that runs the stale-game sweep.
type Lease interface {
	Hold(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// MonitorConfig holds the sweep intervals and deadlines.
type MonitorConfig struct {
	MonitorInterval    time.Duration
	SweepInterval      time.Duration
	DisconnectTimeout  time.Duration
	CompletedRetention time.Duration
	WaitingExpiry      time.Duration
}

// Monitor runs the two periodic sweeps: a per-process check for silently
// dropped participants and a cluster-wide cleanup of stale records.
type Monitor struct {
	svc   *Service
	lease Lease
	cfg   MonitorConfig
	log   logrus.FieldLogger
}

func NewMonitor(svc *Service, l Lease, cfg MonitorConfig, log logrus.FieldLogger) *Monitor {
	return &Monitor{svc: svc, lease: l, cfg: cfg, log: log.WithField("component", "monitor")}
}

// Run drives both sweeps until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.RunDisconnectSweeper(ctx) })
	g.Go(func() error { return m.RunStaleSweeper(ctx) })
	return g.Wait()
}

// RunDisconnectSweeper calls SweepDisconnects every MonitorInterval.
func (m *Monitor) RunDisconnectSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.safely(ctx, "disconnect sweep", m.SweepDisconnects)
		}
	}
}

// RunStaleSweeper calls SweepStale every SweepInterval while this process
// holds the lease. Losing the lease only stops the next iteration.
func (m *Monitor) RunStaleSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := m.lease.Release(releaseCtx); err != nil && !errors.Is(err, lease.ErrNotHeld) {
			m.log.WithError(err).Debug("failed to release sweeper lease")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.safely(ctx, "stale sweep", func(ctx context.Context) error {
				held, err := m.lease.Hold(ctx)
				if err != nil {
					return fmt.Errorf("hold sweeper lease: %w", err)
				}
				if !held {
					return nil
				}
				return m.SweepStale(ctx)
			})
		}
	}
}

// SweepDisconnects refreshes the presence of local connections that still
// answer pings and forces a timeout win in every active multiplayer game
// with such a connection whose opponent is connected nowhere and has been
// idle too long.
func (m *Monitor) SweepDisconnects(ctx context.Context) error {
	var errs []error
	for _, id := range m.svc.hub.LocalGames() {
		local := m.svc.hub.LiveParticipants(id)
		for _, p := range local {
			if err := m.svc.presence.Mark(ctx, id, p); err != nil {
				errs = append(errs, err)
			}
		}
		if len(local) == 0 {
			continue
		}

		g, err := m.svc.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if g.Mode != models.ModeMultiplayer || g.Status != models.StatusActive {
			continue
		}
		if m.svc.now().Sub(g.LastActivity()) <= m.cfg.DisconnectTimeout {
			continue
		}
		n, err := m.svc.presence.Connected(ctx, id, g.Participants.X, g.Participants.O)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n != 1 {
			continue
		}
		present := local[0]
		if !g.HasParticipant(present) {
			continue
		}
		if _, err := m.svc.forfeitIdle(ctx, id, g.Opponent(present), m.cfg.DisconnectTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepStale deletes finished records past their retention and expires
// waiting games nobody joined in time.
func (m *Monitor) SweepStale(ctx context.Context) error {
	ids, err := m.svc.store.ScanIDs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	now := m.svc.now()
	for _, id := range ids {
		g, err := m.svc.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log := m.log.WithField("game_id", id)

		switch {
		case g.Status.Terminal() && now.Sub(g.LastActivity()) > m.cfg.CompletedRetention:
			if err := m.svc.store.Delete(ctx, id); err != nil {
				errs = append(errs, err)
				continue
			}
			log.WithField("status", g.Status).Info("deleted finished game")

		case g.Status == models.StatusWaiting && now.Sub(g.CreatedAt) > m.cfg.WaitingExpiry:
			_, err := m.svc.store.Update(ctx, id, func(g *models.Game) error {
				if g.Status != models.StatusWaiting {
					return store.ErrUnchanged
				}
				expire(g, now)
				return nil
			})
			if errors.Is(err, store.ErrUnchanged) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := m.svc.store.Delete(ctx, id); err != nil {
				errs = append(errs, err)
				continue
			}
			log.Info("expired waiting game")
		}
	}
	return errors.Join(errs...)
}

// safely runs one sweep iteration, logging its error or panic so the loop
// keeps going.
func (m *Monitor) safely(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Errorf("%s panicked", name)
		}
	}()
	if err := fn(ctx); err != nil {
		m.log.WithError(err).Errorf("%s failed", name)
	}
}
