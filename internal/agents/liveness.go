package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/hearth/internal/events"
)

const DefaultSweepInterval = 2 * time.Minute

// SweepStale emits a stale event for every agent whose last heartbeat is
// older than the online threshold. Nothing is written to the store.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	start := time.Now()
	now := s.now()

	stale, err := s.store.ListAgentsSeenBefore(ctx, now.Add(-s.config.OnlineThreshold))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale agents: %w", err)
	}
	for _, a := range stale {
		s.events.Publish(events.Event{
			Type:    events.AgentStale,
			AgentID: a.ID,
			Data: map[string]any{
				"hostname":       a.Hostname,
				"last_heartbeat": a.LastHeartbeat,
				"heartbeat_age":  now.Sub(a.LastHeartbeat).String(),
			},
		})
	}

	all, err := s.store.ListAgents(ctx)
	if err != nil {
		return len(stale), fmt.Errorf("failed to count agents: %w", err)
	}
	s.metrics.SetAgentsOnline(len(all) - len(stale))
	s.metrics.AddStaleAgents(len(stale))
	s.metrics.ObserveSweep(time.Since(start).Seconds())

	if len(stale) > 0 {
		slog.Debug("Liveness sweep found stale agents", "stale", len(stale), "total", len(all))
	}
	return len(stale), nil
}

// StartLivenessSweep runs SweepStale on every tick until ctx is done.
func (s *Service) StartLivenessSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStale(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Liveness sweep failed", "error", err)
			}
		}
	}
}
