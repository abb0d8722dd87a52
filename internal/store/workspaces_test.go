package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PabloZaiden/ralpher/internal/loop"
)

func TestSaveAndGetWorkspace(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	now := time.Now().UTC()
	w := loop.Workspace{
		ID: "ws-1", Name: "main", Directory: "/repo",
		ServerSettings: loop.ServerSettings{Mode: loop.ServerModeConnect, Hostname: "localhost", Port: 4317},
		CreatedAt:      now, UpdatedAt: now,
	}
	if err := s.SaveWorkspace(ctx, w); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "main" || got.ServerSettings.Port != 4317 || got.ServerSettings.Mode != loop.ServerModeConnect {
		t.Errorf("got %+v", got)
	}
}

func TestGetWorkspaceNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, err = s.GetWorkspace(ctx, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetWorkspaceByDirectory(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	now := time.Now().UTC()
	if err := s.SaveWorkspace(ctx, loop.Workspace{
		ID: "ws-1", Name: "main", Directory: "/repo",
		ServerSettings: loop.ServerSettings{Mode: loop.ServerModeSpawn},
		CreatedAt:      now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWorkspaceByDirectory(ctx, "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "ws-1" {
		t.Errorf("got %+v", got)
	}
}

func TestSaveWorkspaceDuplicateDirectoryConflicts(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	now := time.Now().UTC()
	first := loop.Workspace{
		ID: "ws-1", Name: "main", Directory: "/repo",
		ServerSettings: loop.ServerSettings{Mode: loop.ServerModeSpawn},
		CreatedAt:      now, UpdatedAt: now,
	}
	second := first
	second.ID = "ws-2"

	if err := s.SaveWorkspace(ctx, first); err != nil {
		t.Fatal(err)
	}
	err = s.SaveWorkspace(ctx, second)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestListWorkspacesOrdering(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	older := loop.Workspace{
		ID: "ws-1", Name: "old", Directory: "/repo-old",
		ServerSettings: loop.ServerSettings{Mode: loop.ServerModeSpawn},
		CreatedAt:      time.Now().UTC().Add(-time.Hour), UpdatedAt: time.Now().UTC(),
	}
	newer := loop.Workspace{
		ID: "ws-2", Name: "new", Directory: "/repo-new",
		ServerSettings: loop.ServerSettings{Mode: loop.ServerModeSpawn},
		CreatedAt:      time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.SaveWorkspace(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveWorkspace(ctx, newer); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListWorkspaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "ws-2" {
		t.Errorf("got %+v, want ws-2 first", got)
	}
}

func TestDeleteWorkspaceCascadesLoops(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	seedWorkspace(t, s, "ws-1")
	if err := s.SaveLoop(ctx, testLoop("loop-1", "ws-1")); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteWorkspace(ctx, "ws-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetLoop(ctx, "loop-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("loop err = %v, want ErrNotFound", err)
	}
}

func TestDeleteWorkspaceNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.DeleteWorkspace(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
