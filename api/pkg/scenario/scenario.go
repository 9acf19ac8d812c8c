// Package scenario loads scenario documents into their typed form. A
// scenario enumerates teams, each with an environment image reference
// and resource limits; once loaded it is immutable.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lisehq/lise/api/pkg/types"
)

// Load parses one scenario YAML document.
func Load(path string) (*types.Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}

	var scen types.Scenario
	if err := yaml.Unmarshal(raw, &scen); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	if scen.ID == "" {
		scen.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := Validate(&scen); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scen, nil
}

// LoadDir parses every .yaml/.yml scenario in a directory, sorted by
// filename.
func LoadDir(dir string) ([]*types.Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenario directory %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	scenarios := make([]*types.Scenario, 0, len(paths))
	for _, p := range paths {
		scen, err := Load(p)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, scen)
	}
	return scenarios, nil
}

// Validate checks the structural invariants the controller relies on.
func Validate(scen *types.Scenario) error {
	if scen.ID == "" {
		return fmt.Errorf("scenario id is required")
	}
	if len(scen.Teams) == 0 {
		return fmt.Errorf("scenario has no teams")
	}
	seen := make(map[string]bool, len(scen.Teams))
	for i, team := range scen.Teams {
		if team.Name == "" {
			return fmt.Errorf("team %d has no name", i)
		}
		if seen[team.Name] {
			return fmt.Errorf("duplicate team name %q", team.Name)
		}
		seen[team.Name] = true
		if team.Image == "" {
			return fmt.Errorf("team %q has no environment image", team.Name)
		}
	}
	return nil
}
