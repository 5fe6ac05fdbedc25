package session

import (
	"context"
	"fmt"
	"time"
)

// StartWatchdog launches the periodic turn-timeout check. It observes
// time-since-last-event per session and applies one of two wall-clock
// limits: the short inactivity timeout when no tool is involved, and the
// long timeout when a tool is actively running, tools were used earlier in
// the same turn, or the session was resumed mid-turn. A fired timeout fails
// the turn as if an error event had arrived.
//
// The watchdog stops when ctx is cancelled or Stop is called.
func (s *Service) StartWatchdog(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case now := <-ticker.C:
				s.checkTimeouts(now)
			}
		}
	}()
}

func (s *Service) checkTimeouts(now time.Time) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		t := e.turn
		if t == nil {
			e.mu.Unlock()
			continue
		}
		limit := s.cfg.InactivityTimeout
		if len(t.activeTools) > 0 || t.toolsUsed || t.resumed {
			limit = s.cfg.ToolTimeout
		}
		idle := now.Sub(t.lastEvent)
		e.mu.Unlock()

		if idle <= limit {
			continue
		}

		s.logger.Warn("watchdog timeout", "session", e.session.Name, "idle", idle.String(), "limit", limit.String())
		s.failTurn(e, fmt.Errorf("%w after %s", ErrTurnTimeout, idle.Round(time.Second)))
	}
}
