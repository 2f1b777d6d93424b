package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRegistry(t *testing.T) {
	reg, err := ParseRegistry([]byte(`
servers:
  - name: weather
    command: node
    args: [servers/weather.js]
    env: [WEATHER_MODE=mock]
    capabilities: [tools]
  - name: calculator
    display_name: Calculator
    command: node
`))
	require.NoError(t, err)
	require.Equal(t, []string{"calculator", "weather"}, reg.Names())
	require.Equal(t, 2, reg.Len())

	cfg, ok := reg.Lookup("weather")
	require.True(t, ok)
	require.Equal(t, "weather", cfg.DisplayName)
	require.Equal(t, []string{"servers/weather.js"}, cfg.Args)
	require.Equal(t, []string{"WEATHER_MODE=mock"}, cfg.Env)

	_, ok = reg.Lookup("missing")
	require.False(t, ok)
}

func TestRegistryRejectsInvalidEntries(t *testing.T) {
	_, err := NewRegistry(ServerConfig{Command: "node"})
	require.Error(t, err)
	_, err = NewRegistry(ServerConfig{Name: "calc"})
	require.Error(t, err)
	_, err = NewRegistry(ServerConfig{Name: "calc", Command: "a"}, ServerConfig{Name: "calc", Command: "b"})
	require.ErrorContains(t, err, "duplicate")
}

func TestRegistryLookupReturnsCopy(t *testing.T) {
	reg, err := NewRegistry(ServerConfig{Name: "calc", Command: "node", Args: []string{"calc.js"}})
	require.NoError(t, err)
	cfg, _ := reg.Lookup("calc")
	cfg.Args[0] = "changed.js"
	again, _ := reg.Lookup("calc")
	require.Equal(t, "calc.js", again.Args[0])
}

func TestLoadRegistryResolvesCwd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - name: notes
    command: node
    cwd: workers
  - name: abs
    command: node
    cwd: /srv/workers
`), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	notes, _ := reg.Lookup("notes")
	require.Equal(t, filepath.Join(dir, "workers"), notes.Cwd)
	abs, _ := reg.Lookup("abs")
	require.Equal(t, "/srv/workers", abs.Cwd)
}
