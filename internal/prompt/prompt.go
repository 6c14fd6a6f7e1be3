// Package prompt loads model instructions from the filesystem. Prompts
// are read on every call so a deploy that swaps the instructions tree
// takes effect without a restart.
package prompt

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/model"
)

// Pair is one system/user prompt pair.
type Pair struct {
	System string
	User   string
}

// Loader reads prompt pairs from an instructions tree:
//
//	<root>/instructions/system.txt          classification
//	<root>/instructions/user.txt
//	<root>/instructions/<CATEGORY>/system.txt   extraction, per category
//	<root>/instructions/<CATEGORY>/user.txt
type Loader struct {
	root string
}

// NewLoader creates a Loader rooted at dir. An empty dir uses the
// working directory.
func NewLoader(dir string) *Loader {
	if dir == "" {
		dir = "."
	}
	return &Loader{root: dir}
}

// Classification returns the category-detection prompts.
func (l *Loader) Classification() (Pair, error) {
	return l.load(filepath.Join(l.root, "instructions"))
}

// Extraction returns the field-extraction prompts for a category.
func (l *Loader) Extraction(cat model.Category) (Pair, error) {
	if cat == "" || cat == model.CategoryUnknown {
		return Pair{}, eris.Errorf("no extraction prompts for category %q", cat)
	}
	return l.load(filepath.Join(l.root, "instructions", string(cat)))
}

func (l *Loader) load(dir string) (Pair, error) {
	system, err := readPrompt(filepath.Join(dir, "system.txt"))
	if err != nil {
		return Pair{}, err
	}
	user, err := readPrompt(filepath.Join(dir, "user.txt"))
	if err != nil {
		return Pair{}, err
	}
	zap.L().Debug("prompts loaded",
		zap.String("dir", dir),
		zap.Int("system_chars", len(system)),
		zap.Int("user_chars", len(user)))
	return Pair{System: system, User: user}, nil
}

func readPrompt(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "read prompt %s", path)
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", eris.Errorf("prompt %s is empty", path)
	}
	return text, nil
}
