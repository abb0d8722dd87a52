package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PabloZaiden/ralpher/internal/loop"
)

func TestSaveAndListReviewComments(t *testing.T) {
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

	base := time.Now().UTC()
	if err := s.SaveReviewComment(ctx, loop.ReviewComment{
		ID: "rc-2", LoopID: "loop-1", ReviewCycle: 2, Text: "second", Status: loop.ReviewCommentPending,
		CreatedAt: base.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReviewComment(ctx, loop.ReviewComment{
		ID: "rc-1", LoopID: "loop-1", ReviewCycle: 1, Text: "first", Status: loop.ReviewCommentPending,
		CreatedAt: base,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListReviewComments(ctx, "loop-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "rc-1" || got[1].ID != "rc-2" {
		t.Errorf("got %+v, want rc-1 then rc-2 ordered by cycle", got)
	}
}

func TestListPendingReviewCommentsExcludesAddressed(t *testing.T) {
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

	now := time.Now().UTC()
	if err := s.SaveReviewComment(ctx, loop.ReviewComment{
		ID: "rc-1", LoopID: "loop-1", ReviewCycle: 1, Text: "addressed one", Status: loop.ReviewCommentPending,
		CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReviewComment(ctx, loop.ReviewComment{
		ID: "rc-2", LoopID: "loop-1", ReviewCycle: 1, Text: "still pending", Status: loop.ReviewCommentPending,
		CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkReviewCommentAddressed(ctx, "rc-1"); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListPendingReviewComments(ctx, "loop-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "rc-2" {
		t.Errorf("got %+v, want only rc-2 pending", pending)
	}
}

func TestMarkReviewCommentAddressedNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.MarkReviewCommentAddressed(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
