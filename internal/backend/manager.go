// Package backend owns the per-workspace agent connection pool: the
// Backend Manager of component design §4.6. It is the thin layer between
// the Loop Manager/Engine and the agent package's Backend implementations,
// responsible for dialing, caching, and validating connections — never
// for session or iteration logic, which stays in internal/engine.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PabloZaiden/ralpher/internal/agent"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

// DefaultConnectTimeout is used when New is given a connectTimeout of zero
// or less.
const DefaultConnectTimeout = 15 * time.Second

// Dialer creates a Backend for a workspace's server settings. Production
// wiring supplies one that returns agent.NewRemote for the settings'
// server URL (it starts no agent process; the agent server is expected to
// be listening already); tests supply one that always returns the same
// agent.Mock.
type Dialer func(settings loop.ServerSettings) (agent.Backend, error)

// Manager owns one live Backend per workspace, dialed lazily and kept
// alive until the workspace is deleted or Reset is called — the
// connection-pool half of component design §4.6.
type Manager struct {
	mu             sync.Mutex
	dial           Dialer
	connectTimeout time.Duration
	backends       map[string]agent.Backend
}

// New creates a Manager. connectTimeout of zero uses DefaultConnectTimeout.
func New(dial Dialer, connectTimeout time.Duration) *Manager {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Manager{
		dial:           dial,
		connectTimeout: connectTimeout,
		backends:       make(map[string]agent.Backend),
	}
}

// Get returns the workspace's live backend, dialing and connecting it on
// first use.
func (m *Manager) Get(ctx context.Context, workspaceID string, settings loop.ServerSettings) (agent.Backend, error) {
	m.mu.Lock()
	if b, ok := m.backends[workspaceID]; ok {
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	b, err := m.dial(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrConnectionFailed, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := b.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrConnectionFailed, err)
	}

	m.mu.Lock()
	m.backends[workspaceID] = b
	m.mu.Unlock()
	return b, nil
}

// Reset disconnects and forgets a workspace's backend so the next Get
// dials fresh.
func (m *Manager) Reset(workspaceID string) error {
	m.mu.Lock()
	b, ok := m.backends[workspaceID]
	delete(m.backends, workspaceID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Disconnect()
}

// ValidationResult is the outcome of validateRemoteDirectory.
type ValidationResult struct {
	Success bool
	Error   string
}

// ValidateRemoteDirectory dials the workspace's backend and probes dir
// for existence through the command executor reachable at that backend's
// directory, per component design §4.6. It never hangs: the connect
// phase and the probe each run under ctx, bounded by connectTimeout.
func (m *Manager) ValidateRemoteDirectory(ctx context.Context, workspaceID, dir string, settings loop.ServerSettings, exists func(ctx context.Context, dir string) (bool, error)) ValidationResult {
	b, err := m.Get(ctx, workspaceID, settings)
	if err != nil {
		return ValidationResult{Success: false, Error: err.Error()}
	}
	_ = b // the probe itself runs through the command executor, not the agent backend
	probeCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	ok, err := exists(probeCtx, dir)
	if err != nil {
		return ValidationResult{Success: false, Error: err.Error()}
	}
	if !ok {
		return ValidationResult{Success: false, Error: "directory does not exist"}
	}
	return ValidationResult{Success: true}
}

// ValidateModel returns nil only when the workspace's backend lists an
// enabled model matching providerID/modelID. Otherwise it returns
// agent.ErrModelNotEnabled (listed but disabled), agent.ErrModelNotFound
// (provider listed, model not) or agent.ErrProviderNotFound — run before any status check that would otherwise
// change a loop's model, per component design §4.6.
func (m *Manager) ValidateModel(ctx context.Context, workspaceID string, settings loop.ServerSettings, model loop.ModelRef) error {
	b, err := m.Get(ctx, workspaceID, settings)
	if err != nil {
		return err
	}
	models, err := b.ListModels(ctx)
	if err != nil {
		return err
	}
	sawProvider := false
	for _, mm := range models {
		if mm.ProviderID != model.ProviderID {
			continue
		}
		sawProvider = true
		if mm.ModelID == model.ModelID {
			if !mm.Enabled {
				return agent.ErrModelNotEnabled
			}
			return nil
		}
	}
	if !sawProvider {
		return agent.ErrProviderNotFound
	}
	return agent.ErrModelNotFound
}
