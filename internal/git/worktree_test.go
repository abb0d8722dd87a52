package git

import (
	"testing"
	"time"
)

func TestSanitizeForBranch(t *testing.T) {
	cases := map[string]string{
		"Fix Login Bug":        "fix-login-bug",
		"add_widget!!":         "add_widget",
		"  leading/trailing  ": "leading-trailing",
		"":                     "loop",
		"ALLCAPS":              "allcaps",
	}
	for in, want := range cases {
		if got := SanitizeForBranch(in); got != want {
			t.Errorf("SanitizeForBranch(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWorkingBranchName(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	got := WorkingBranchName("ralph/", "Fix Login Bug", "abcdef1234567890", now)
	want := "ralph/fix-login-bug-2026-07-30-abcdef12"
	if got != want {
		t.Errorf("WorkingBranchName() = %q, want %q", got, want)
	}
}

func TestWorkingBranchNameShortID(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	got := WorkingBranchName("x/", "n", "abc", now)
	want := "x/n-2026-01-02-abc"
	if got != want {
		t.Errorf("WorkingBranchName() = %q, want %q", got, want)
	}
}

func TestWorktreePath(t *testing.T) {
	got := WorktreePath("/repo", "ralph/Fix-Login")
	want := "/repo/.ralph-worktrees/ralph-fix-login"
	if got != want {
		t.Errorf("WorktreePath() = %q, want %q", got, want)
	}
}
