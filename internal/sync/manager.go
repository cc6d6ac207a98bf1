package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-sync-infra/internal/auth"
	"github.com/Martian-dev/mail-sync-infra/internal/mail"
)

// Request describes one connection to keep in sync.
type Request struct {
	TenantID     string
	ConnectionID string
	Provider     mail.ProviderKind
	Email        string
	Priority     int
}

// AdapterFactory builds the provider adapter for a connection from its
// credential.
type AdapterFactory func(ctx context.Context, cred *auth.Credential, req Request) (Adapter, error)

// Manager runs concurrent sync workers, one per connection. Runs for
// different connections share no mutable state beyond the store.
type Manager struct {
	creds        *auth.Client
	orchestrator *Orchestrator
	factory      AdapterFactory
	interval     time.Duration
	log          *logrus.Entry

	runners      map[string]context.CancelFunc
	runnersMutex sync.RWMutex
}

// NewManager creates a sync manager. interval is the incremental re-sync
// cadence; zero defaults to 30s.
func NewManager(creds *auth.Client, orchestrator *Orchestrator, factory AdapterFactory, interval time.Duration, log *logrus.Entry) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		creds:        creds,
		orchestrator: orchestrator,
		factory:      factory,
		interval:     interval,
		log:          log,
		runners:      make(map[string]context.CancelFunc),
	}
}

// StartSync starts the sync worker for a connection.
func (m *Manager) StartSync(ctx context.Context, req Request) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[req.ConnectionID]; exists {
		return fmt.Errorf("sync already running for connection %s", req.ConnectionID)
	}

	cred, err := m.creds.GetValidCredential(ctx, req.ConnectionID)
	if err != nil {
		return fmt.Errorf("get credential: %w", err)
	}

	adapter, err := m.factory(ctx, cred, req)
	if err != nil {
		return fmt.Errorf("create adapter: %w", err)
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	m.runners[req.ConnectionID] = cancel

	go func() {
		m.log.WithField("connection", req.ConnectionID).Info("sync start")
		m.runLoop(runnerCtx, req, adapter)

		m.runnersMutex.Lock()
		delete(m.runners, req.ConnectionID)
		m.runnersMutex.Unlock()
		m.log.WithField("connection", req.ConnectionID).Info("sync stop")
	}()

	return nil
}

// runLoop performs the initial pass, then re-runs incrementally on a ticker
// until cancelled. A failed pass leaves the cursor at its last committed
// value; the next tick retries from there.
func (m *Manager) runLoop(ctx context.Context, req Request, adapter Adapter) {
	job := mail.SyncJob{
		TenantID:     req.TenantID,
		ConnectionID: req.ConnectionID,
		Provider:     req.Provider,
		Email:        req.Email,
		Priority:     req.Priority,
		Type:         mail.SyncIncremental,
	}

	if _, err := m.orchestrator.Run(ctx, job, adapter); err != nil {
		m.log.WithField("connection", req.ConnectionID).WithError(err).Error("initial sync pass failed")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.orchestrator.Run(ctx, job, adapter); err != nil {
				m.log.WithField("connection", req.ConnectionID).WithError(err).Error("incremental sync pass failed")
			}
		}
	}
}

// StopSync stops the sync worker for a connection.
func (m *Manager) StopSync(connectionID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	cancel, exists := m.runners[connectionID]
	if !exists {
		return fmt.Errorf("no sync running for connection %s", connectionID)
	}

	cancel()
	delete(m.runners, connectionID)
	return nil
}

// IsRunning reports whether a connection has an active sync worker.
func (m *Manager) IsRunning(connectionID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[connectionID]
	return exists
}

// StopAll stops every running sync worker.
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for key, cancel := range m.runners {
		m.log.WithField("connection", key).Info("stopping sync")
		cancel()
	}
	m.runners = make(map[string]context.CancelFunc)
}

// RunningSyncs returns the connections with active workers.
func (m *Manager) RunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	var out []string
	for key := range m.runners {
		out = append(out, key)
	}
	return out
}
