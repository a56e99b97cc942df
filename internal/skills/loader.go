// Package skills loads the reusable scripts Kiki has taught itself.
//
// A skill is a JSON file in the skills directory:
//
//	{"name": "weather", "description": "Local forecast", "command": "bash /data/skills/weather.sh"}
//
// The agent writes these files itself after solving a task it expects to
// repeat; every turn's instruction bundle lists them so the model can
// reuse the command instead of rediscovering it.
package skills

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Skill is one learned, reusable command.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Command     string `json:"command"`

	// File is the JSON file the skill was read from.
	File string `json:"-"`
}

// Loader reads skill files from a directory.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a skill loader for dir.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, logger: logger}
}

// Dir returns the skills directory.
func (l *Loader) Dir() string { return l.dir }

// LoadAll reads every *.json file in the directory, sorted by filename.
// A missing directory yields no skills. Unreadable or malformed files
// and files without a command are skipped with a warning so one bad
// skill never breaks a turn.
func (l *Loader) LoadAll() ([]Skill, error) {
	if l.dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var skills []Skill
	for _, f := range files {
		path := filepath.Join(l.dir, f)
		s, err := readSkill(path)
		if err != nil {
			l.logger.Warn("skipping skill file", "file", path, "error", err)
			continue
		}
		skills = append(skills, s)
	}
	return skills, nil
}

func readSkill(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}
	var s Skill
	if err := json.Unmarshal(data, &s); err != nil {
		return Skill{}, fmt.Errorf("parse: %w", err)
	}
	s.Command = strings.TrimSpace(s.Command)
	if s.Command == "" {
		return Skill{}, fmt.Errorf("missing command")
	}
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	s.Description = strings.TrimSpace(s.Description)
	s.File = path
	return s, nil
}

// Format renders skills as instruction-bundle lines.
func Format(skills []Skill) string {
	var sb strings.Builder
	for _, s := range skills {
		fmt.Fprintf(&sb, "- %s: %s → run with: run_shell %q\n", s.Name, s.Description, s.Command)
	}
	return sb.String()
}

// Names returns the skill names in load order.
func Names(skills []Skill) []string {
	names := make([]string, len(skills))
	for i, s := range skills {
		names[i] = s.Name
	}
	return names
}
