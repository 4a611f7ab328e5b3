package config

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/openmined/synccore/internal/utils"
)

var defaultIgnoreLines = []string{
	// engine-internal
	".syncignore",
	".synccore-debris/",
	// editor/IDE droppings
	".vscode",
	".idea",
	"*.swp",
	// general excludes
	".git",
	"*.tmp",
	"*.partial",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// IgnoreList compiles the sync root's exclusion rules (gitignore syntax)
// plus a built-in default set, and answers the reconciler's per-entry
// ShouldIgnore queries.
type IgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir}
}

// Load reads <baseDir>/.syncignore if present, appending its rules to the
// defaults. Safe to call again to pick up edits.
func (s *IgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, ".syncignore")
	ignoreLines := defaultIgnoreLines

	if utils.FileExists(ignorePath) {
		rules := 0
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()

			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := scanner.Text()
				if line != "" {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}

			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
			} else {
				slog.Info("loaded ignore file", "path", ignorePath, "rules", rules)
			}
		}
	}

	s.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore reports whether relPath (relative to the sync root) is
// excluded from reconciliation.
func (s *IgnoreList) ShouldIgnore(relPath string) bool {
	if s.ignore == nil {
		s.Load()
	}
	return s.ignore.MatchesPath(relPath)
}
