package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PabloZaiden/ralpher/internal/agent"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

func mockDialer(models []agent.Model) Dialer {
	return func(settings loop.ServerSettings) (agent.Backend, error) {
		return agent.NewMock(models, nil), nil
	}
}

func TestGetDialsOnceAndCaches(t *testing.T) {
	calls := 0
	dial := func(settings loop.ServerSettings) (agent.Backend, error) {
		calls++
		return agent.NewMock(nil, nil), nil
	}
	m := New(dial, time.Second)
	ctx := context.Background()

	b1, err := m.Get(ctx, "ws-1", loop.ServerSettings{})
	if err != nil {
		t.Fatal(err)
	}
	b2, err := m.Get(ctx, "ws-1", loop.ServerSettings{})
	if err != nil {
		t.Fatal(err)
	}
	if b1 != b2 {
		t.Error("expected cached backend instance on second Get")
	}
	if calls != 1 {
		t.Errorf("dial called %d times, want 1", calls)
	}
}

func TestResetForcesRedial(t *testing.T) {
	calls := 0
	dial := func(settings loop.ServerSettings) (agent.Backend, error) {
		calls++
		return agent.NewMock(nil, nil), nil
	}
	m := New(dial, time.Second)
	ctx := context.Background()

	if _, err := m.Get(ctx, "ws-1", loop.ServerSettings{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Reset("ws-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "ws-1", loop.ServerSettings{}); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("dial called %d times, want 2", calls)
	}
}

func TestValidateModelNotEnabled(t *testing.T) {
	m := New(mockDialer([]agent.Model{
		{ProviderID: "anthropic", ModelID: "claude", Enabled: false},
	}), time.Second)
	err := m.ValidateModel(context.Background(), "ws-1", loop.ServerSettings{}, loop.ModelRef{ProviderID: "anthropic", ModelID: "claude"})
	if !errors.Is(err, agent.ErrModelNotEnabled) {
		t.Errorf("err = %v, want ErrModelNotEnabled", err)
	}
}

func TestValidateModelNotFound(t *testing.T) {
	m := New(mockDialer([]agent.Model{
		{ProviderID: "anthropic", ModelID: "claude", Enabled: true},
	}), time.Second)
	err := m.ValidateModel(context.Background(), "ws-1", loop.ServerSettings{}, loop.ModelRef{ProviderID: "anthropic", ModelID: "opus"})
	if !errors.Is(err, agent.ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestValidateModelProviderNotFound(t *testing.T) {
	m := New(mockDialer([]agent.Model{
		{ProviderID: "anthropic", ModelID: "claude", Enabled: true},
	}), time.Second)
	err := m.ValidateModel(context.Background(), "ws-1", loop.ServerSettings{}, loop.ModelRef{ProviderID: "openai", ModelID: "gpt"})
	if !errors.Is(err, agent.ErrProviderNotFound) {
		t.Errorf("err = %v, want ErrProviderNotFound", err)
	}
}

func TestValidateModelEnabledSucceeds(t *testing.T) {
	m := New(mockDialer([]agent.Model{
		{ProviderID: "anthropic", ModelID: "claude", Enabled: true},
	}), time.Second)
	err := m.ValidateModel(context.Background(), "ws-1", loop.ServerSettings{}, loop.ModelRef{ProviderID: "anthropic", ModelID: "claude"})
	if err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestValidateRemoteDirectoryMissing(t *testing.T) {
	m := New(mockDialer(nil), time.Second)
	result := m.ValidateRemoteDirectory(context.Background(), "ws-1", "/nope", loop.ServerSettings{},
		func(ctx context.Context, dir string) (bool, error) { return false, nil })
	if result.Success {
		t.Error("expected Success=false for missing directory")
	}
}

func TestValidateRemoteDirectoryExists(t *testing.T) {
	m := New(mockDialer(nil), time.Second)
	result := m.ValidateRemoteDirectory(context.Background(), "ws-1", "/tmp", loop.ServerSettings{},
		func(ctx context.Context, dir string) (bool, error) { return true, nil })
	if !result.Success {
		t.Errorf("expected Success=true, got error %q", result.Error)
	}
}
