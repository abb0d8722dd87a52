package git

import (
	ignore "github.com/sabhiram/go-gitignore"
)

// scratchSentinel is a file name that, if present anywhere in a changed-paths
// list, forces filesMatchIgnorePatterns to report false even when every path
// matches the supplied patterns. It lets a loop force a commit through for a
// changeset that is otherwise entirely scratch/ignorable (the agent
// deliberately touched the sentinel to mean "commit this anyway").
const scratchSentinel = ".ralphignore"

// CompileIgnorePatterns compiles a set of gitignore-style lines into a
// matcher for FilesMatchIgnorePatterns, built on go-gitignore for
// worktree/planning-folder filtering.
func CompileIgnorePatterns(patterns []string) *ignore.GitIgnore {
	if len(patterns) == 0 {
		return nil
	}
	return ignore.CompileIgnoreLines(patterns...)
}

// FilesMatchIgnorePatterns reports whether every path in files matches gi,
// meaning an iteration's changes are confined to ignorable scratch paths and
// can be skipped rather than committed. A nil matcher, an empty file list,
// or the presence of scratchSentinel in files always reports false.
func FilesMatchIgnorePatterns(files []string, gi *ignore.GitIgnore) bool {
	if gi == nil || len(files) == 0 {
		return false
	}
	for _, f := range files {
		if f == scratchSentinel {
			return false
		}
	}
	for _, f := range files {
		if !gi.MatchesPath(f) {
			return false
		}
	}
	return true
}
