package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/phab-native/api"
)

func TestLoadConfigDefaults(t *testing.T) {
	v := viper.New()
	BindDefaults(v)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
debug: true
port: 8081
max_concurrency: 3
deadline: 2s
watchdog:
  hang: 10s
log:
  json: true
`), 0o600))

	v := viper.New()
	BindDefaults(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, 3, cfg.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Deadline)
	assert.Equal(t, 10*time.Second, cfg.Watchdog.Hang)
	assert.Equal(t, 100*time.Millisecond, cfg.Watchdog.Base)
	assert.True(t, cfg.Log.JSON)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 70000
	assert.ErrorIs(t, cfg.Validate(), api.ErrInvalidArgument)

	cfg = DefaultConfig()
	cfg.Deadline = 0
	assert.ErrorIs(t, cfg.Validate(), api.ErrInvalidArgument)

	cfg = DefaultConfig()
	cfg.Watchdog.Hang = time.Millisecond
	assert.ErrorIs(t, cfg.Validate(), api.ErrInvalidArgument)
}

func TestConfigStoreReload(t *testing.T) {
	cs := NewConfigStore()
	calls := 0
	cs.OnReload(func() { calls++ })
	cs.SetConfig(DefaultConfig().AsMap())
	cs.SetConfig(map[string]any{"port": 9000})

	assert.Equal(t, 2, calls)
	snap := cs.GetSnapshot()
	assert.Equal(t, 9000, snap["port"])
	assert.Equal(t, "5s", snap["deadline"])
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	RegisterPlatformProbes(dp)
	dp.RegisterProbe("answer", func() any { return 42 })

	state := dp.DumpState()
	assert.Equal(t, 42, state["answer"])
	assert.Contains(t, state, "platform.cpus")
	assert.Contains(t, dp.Names(), "platform.goroutines")
}
