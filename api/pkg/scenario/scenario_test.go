package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisehq/lise/api/pkg/types"
)

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "forensics.yaml", `
id: forensics-101
name: Intro to Forensics
teams:
  - name: red
    image: lise/forensics-desktop:1.2
    limits:
      cpus: 1.5
      memory: 2g
      pids_limit: 256
  - name: blue
    image: lise/forensics-desktop:1.2
`)

	scen, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "forensics-101", scen.ID)
	require.Len(t, scen.Teams, 2)
	assert.Equal(t, "red", scen.Teams[0].Name)
	assert.Equal(t, 1.5, scen.Teams[0].Limits.CPUs)
	assert.Equal(t, "2g", scen.Teams[0].Limits.Memory)
	assert.Equal(t, int64(256), scen.Teams[0].Limits.PidsLimit)
	assert.Equal(t, types.ResourceLimits{}, scen.Teams[1].Limits)
}

func TestLoadDefaultsIDFromFilename(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "netdef.yaml", `
teams:
  - name: solo
    image: lise/netdef:latest
`)

	scen, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "netdef", scen.ID)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{"no teams", "id: empty\nteams: []\n"},
		{"unnamed team", "id: x\nteams:\n  - image: img\n"},
		{"missing image", "id: x\nteams:\n  - name: red\n"},
		{"duplicate team names", "id: x\nteams:\n  - name: red\n    image: a\n  - name: red\n    image: b\n"},
		{"not yaml", "{{{{\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeScenario(t, dir, tc.name+".yaml", tc.body)
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "b.yaml", "teams:\n  - name: t\n    image: img\n")
	writeScenario(t, dir, "a.yml", "teams:\n  - name: t\n    image: img\n")
	writeScenario(t, dir, "notes.txt", "not a scenario")

	scens, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, scens, 2)
	assert.Equal(t, "a", scens[0].ID, "sorted by filename")
	assert.Equal(t, "b", scens[1].ID)
}

func TestLoadDirMissing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
