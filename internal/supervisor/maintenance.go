package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/quotesentinel/internal/config"
	"github.com/rewired-gh/quotesentinel/internal/logger"
)

func (s *Supervisor) maintain(ctx context.Context) {
	now := s.now()
	s.lastRefresh = now
	s.lastBoundary = s.boundaryKey(now)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maintenanceTick(ctx, s.now())
		}
	}
}

// maintenanceTick runs the refresh every RefreshInterval and the daily reset once per
// boundary crossing.
func (s *Supervisor) maintenanceTick(ctx context.Context, now time.Time) {
	if key := s.boundaryKey(now); key != s.lastBoundary {
		s.lastBoundary = key
		s.dailyReset(ctx)
	}
	if now.Sub(s.lastRefresh) >= s.cfg.RefreshInterval {
		s.lastRefresh = now
		s.refresh(ctx)
	}
}

// boundaryKey names the maintenance day containing now. It changes at ResetHour:ResetMinute
// on the reference clock.
func (s *Supervisor) boundaryKey(now time.Time) string {
	local := now.In(s.cfg.Location)
	reset := time.Date(local.Year(), local.Month(), local.Day(), s.cfg.ResetHour, s.cfg.ResetMinute, 0, 0, s.cfg.Location)
	if local.Before(reset) {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format("2006-01-02")
}

// dailyReset clears the alert caches and the session log, then re-seeds the previous
// closes for the new session from the live connection.
func (s *Supervisor) dailyReset(ctx context.Context) {
	logger.Info("Daily boundary reached, clearing alert caches")
	if s.Gate != nil {
		s.Gate.ResetDaily()
	}
	if s.Log != nil {
		if err := s.Log.ClearSession(); err != nil {
			logger.Warn("Failed to clear session log: %v", err)
		}
	}
	s.cache.resetPrevClose()

	conn := s.currentConn()
	if conn == nil {
		return
	}
	symbols := s.Manager.Current()
	if err := s.seed(ctx, conn, symbols); err != nil {
		logger.Warn("Failed to re-seed previous closes for %d symbols: %v", len(symbols), err)
	}
}

// refresh reloads thresholds and static symbols, then re-reconciles the live subscriptions.
func (s *Supervisor) refresh(ctx context.Context) {
	if s.Reload != nil {
		t, symbols, err := s.Reload(ctx)
		var cfgErr *config.ConfigError
		switch {
		case err == nil:
			s.applyReload(t, symbols)
		case errors.As(err, &cfgErr):
			logger.Warn("Threshold reload used defaults for some fields: %v", err)
			s.applyReload(t, symbols)
		default:
			logger.Warn("Config reload failed, keeping current thresholds: %v", err)
		}
	}

	conn := s.currentConn()
	if conn == nil {
		return
	}
	delta, err := s.Manager.Sync(ctx, conn)
	if err != nil {
		// A broken connection surfaces through Wait and the reconnect path.
		logger.Warn("Subscription refresh failed: %v", err)
		return
	}
	if err := s.seed(ctx, conn, delta.ToSubscribe); err != nil {
		logger.Warn("Failed to seed %d new symbols: %v", len(delta.ToSubscribe), err)
	}
}

// applyReload swaps in the thresholds. Nil symbols mean none were configured and the
// current static set stays.
func (s *Supervisor) applyReload(t config.Thresholds, symbols []string) {
	s.Thresholds.Store(t)
	if symbols == nil {
		logger.Debug("Reloaded thresholds (price change %.2f%%), keeping configured symbols", t.PriceChangePct)
		return
	}
	s.Manager.SetStatic(symbols)
	logger.Debug("Reloaded thresholds (price change %.2f%%) and %d configured symbols", t.PriceChangePct, len(symbols))
}
