// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/database"
	"github.com/kmwatch/killfeed/internal/logging"
	"github.com/kmwatch/killfeed/internal/metrics"
	"github.com/kmwatch/killfeed/internal/supervisor/services"
)

var (
	// ErrWorkerExists: a worker with this name is already supervised.
	ErrWorkerExists = errors.New("worker already supervised")

	// ErrWorkerNotFound: no supervised worker has this name.
	ErrWorkerNotFound = errors.New("worker not supervised")
)

// WorkerStatus is one worker's supervision state, exposed via the API.
type WorkerStatus struct {
	Name                string     `json:"name"`
	Running             bool       `json:"running"`
	Disabled            bool       `json:"disabled"`
	StartedAt           time.Time  `json:"started_at"`
	Restarts            int        `json:"restarts"`
	LastPollAt          *time.Time `json:"last_poll_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Worker is a supervisable notification worker. *worker.Worker
// satisfies it.
type Worker interface {
	services.Runner

	// Name keys the worker's checkpoint records.
	Name() string

	// PollInterval scales the staleness threshold.
	PollInterval() time.Duration
}

type managedWorker struct {
	worker    Worker
	token     suture.ServiceToken
	startedAt time.Time
	restarts  int
	disabled  bool
}

// WorkerSupervisor manages the notification workers in the tree's
// worker layer and runs the health monitor over them.
//
// Suture handles crash restarts with backoff on its own. This layer
// adds the two checks suture cannot do: force-restarting a wedged
// worker whose poll cursor went stale, and disabling a worker whose
// failures keep mounting (hard alert, manual intervention required).
type WorkerSupervisor struct {
	tree *Tree
	cfg  *config.SupervisorConfig
	db   *database.DB

	mu      sync.Mutex
	workers map[string]*managedWorker

	log zerolog.Logger
}

// NewWorkerSupervisor builds the worker supervisor.
func NewWorkerSupervisor(tree *Tree, cfg *config.SupervisorConfig, db *database.DB) *WorkerSupervisor {
	return &WorkerSupervisor{
		tree:    tree,
		cfg:     cfg,
		db:      db,
		workers: make(map[string]*managedWorker),
		log:     logging.With().Str("component", "worker-supervisor").Logger(),
	}
}

// AddWorker places a worker under supervision and starts it.
func (s *WorkerSupervisor) AddWorker(w Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[w.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrWorkerExists, w.Name())
	}
	token := s.tree.AddWorkerService(services.NewRunnerService("worker-"+w.Name(), w))
	s.workers[w.Name()] = &managedWorker{
		worker:    w,
		token:     token,
		startedAt: time.Now().UTC(),
	}
	s.log.Info().Str("worker", w.Name()).Msg("worker added to supervision")
	return nil
}

// Restart force-restarts a worker: remove-and-wait, then re-add.
func (s *WorkerSupervisor) Restart(name, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartLocked(name, cause)
}

func (s *WorkerSupervisor) restartLocked(name, cause string) error {
	m, exists := s.workers[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	if err := s.tree.RemoveWorkerService(m.token); err != nil {
		return fmt.Errorf("failed to stop worker %s: %w", name, err)
	}
	m.token = s.tree.AddWorkerService(services.NewRunnerService("worker-"+name, m.worker))
	m.startedAt = time.Now().UTC()
	m.restarts++
	metrics.WorkerRestarts.WithLabelValues(name, cause).Inc()
	s.log.Warn().Str("worker", name).Str("cause", cause).Int("restarts", m.restarts).
		Msg("worker restarted")
	return nil
}

// disableLocked removes a worker without re-adding it.
func (s *WorkerSupervisor) disableLocked(name string) error {
	m, exists := s.workers[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	if m.disabled {
		return nil
	}
	if err := s.tree.RemoveWorkerService(m.token); err != nil {
		return fmt.Errorf("failed to stop worker %s: %w", name, err)
	}
	m.disabled = true
	return nil
}

// Statuses reports supervision state for every managed worker,
// enriched with the persisted checkpoint.
func (s *WorkerSupervisor) Statuses(ctx context.Context) []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStatus, 0, len(s.workers))
	for name, m := range s.workers {
		st := WorkerStatus{
			Name:      name,
			Running:   !m.disabled,
			Disabled:  m.disabled,
			StartedAt: m.startedAt,
			Restarts:  m.restarts,
		}
		if cp, err := s.db.GetCheckpoint(ctx, name); err == nil {
			st.ConsecutiveFailures = cp.ConsecutiveFailures
			if !cp.LastPollAt.IsZero() {
				t := cp.LastPollAt
				st.LastPollAt = &t
			}
		}
		out = append(out, st)
	}
	return out
}

// ActiveWorkerNames returns the names of all supervised workers, for
// the maintenance task's checkpoint purge.
func (s *WorkerSupervisor) ActiveWorkerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	return names
}

// Serve is the health monitor loop: every HealthInterval it sweeps the
// managed workers for staleness and runaway failure counts. It makes
// the supervisor itself a suture service.
func (s *WorkerSupervisor) Serve(ctx context.Context) error {
	s.log.Info().Dur("interval", s.cfg.HealthInterval).Msg("health monitor started")
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (s *WorkerSupervisor) String() string { return "health-monitor" }

func (s *WorkerSupervisor) check(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, m := range s.workers {
		if m.disabled {
			continue
		}

		cp, err := s.db.GetCheckpoint(ctx, name)
		if errors.Is(err, database.ErrNotFound) {
			// Never polled; judge staleness from the start time below.
			cp = nil
		} else if err != nil {
			s.log.Warn().Err(err).Str("worker", name).Msg("health check query failed")
			continue
		}

		if cp != nil && cp.ConsecutiveFailures > s.cfg.MaxConsecutiveFailures {
			// Hard alert: something structural is wrong (bad webhook,
			// poisoned data); restarting will not fix it.
			s.log.Error().Str("worker", name).
				Int("consecutive_failures", cp.ConsecutiveFailures).
				Int("limit", s.cfg.MaxConsecutiveFailures).
				Msg("worker exceeded failure limit, disabling; manual intervention required")
			if err := s.disableLocked(name); err != nil {
				s.log.Error().Err(err).Str("worker", name).Msg("failed to disable worker")
			}
			continue
		}

		staleAfter := time.Duration(s.cfg.StaleMultiplier) * m.worker.PollInterval()
		lastActivity := m.startedAt
		if cp != nil && cp.LastPollAt.After(lastActivity) {
			lastActivity = cp.LastPollAt
		}
		if now.Sub(lastActivity) > staleAfter {
			s.log.Warn().Str("worker", name).
				Time("last_activity", lastActivity).
				Dur("stale_after", staleAfter).
				Msg("worker poll cursor stale, forcing restart")
			if err := s.restartLocked(name, "stale"); err != nil {
				s.log.Error().Err(err).Str("worker", name).Msg("failed to restart stale worker")
			}
		}
	}
}
