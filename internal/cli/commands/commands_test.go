package commands

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/liteclaw-platform/internal/config"
	"github.com/liteclaw/liteclaw-platform/internal/store"
)

// isolate keeps the host's platform configuration out of the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv(config.EnvPrefix+"_STATE_DIR", filepath.Join(dir, "state"))
	t.Setenv(config.EnvPrefix+"_CONFIG_PATH", "")
	for _, name := range []string{"DATABASE_URL", "GATEWAY_URL", "GATEWAY_TOKEN", "PLATFORM_ENCRYPTION_KEY", "AUTH_URL"} {
		t.Setenv(name, "")
		t.Setenv(config.EnvPrefix+"_"+name, "")
	}
	return dir
}

// run executes sub under a root carrying the global flags.
func run(sub *cobra.Command, args ...string) (string, error) {
	root := &cobra.Command{Use: "liteclaw-platform", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().StringP("config", "c", "", "")
	root.PersistentFlags().BoolP("verbose", "v", false, "")
	root.AddCommand(sub)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{sub.Name()}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestMigrateRequiresDatabase(t *testing.T) {
	isolate(t)
	_, err := run(NewMigrateCommand())
	assert.True(t, errors.Is(err, errNoDatabase))
}

func TestTenantsListRequiresDatabase(t *testing.T) {
	isolate(t)
	_, err := run(NewTenantsCommand(), "list")
	assert.True(t, errors.Is(err, errNoDatabase))
}

func TestServeMissingConfigFile(t *testing.T) {
	dir := isolate(t)
	_, err := run(NewServeCommand(), "--config", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfigNotFound))
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	isolate(t)
	_, err := run(NewServeCommand(), "--port", "8080")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNewLoggerLevel(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.Level = "warn"

	cmd := &cobra.Command{}
	cmd.Flags().Bool("verbose", false, "")
	assert.Equal(t, zerolog.WarnLevel, newLogger(cmd, cfg).GetLevel())

	require.NoError(t, cmd.Flags().Set("verbose", "true"))
	assert.Equal(t, zerolog.DebugLevel, newLogger(cmd, cfg).GetLevel())

	cfg.Logging.Level = "bogus"
	require.NoError(t, cmd.Flags().Set("verbose", "false"))
	assert.Equal(t, zerolog.InfoLevel, newLogger(cmd, cfg).GetLevel())
}

func TestOpenStoreMemoryMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Platform.LockFile = filepath.Join(t.TempDir(), "locks", "config.lock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, locker, err := openStore(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	assert.IsType(t, &store.MemoryStore{}, st)
	assert.IsType(t, &store.FileLocker{}, locker)
}

func TestRenderTenants(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	renderTenants(&out, []*store.Tenant{
		{AgentID: "user-bob", DisplayName: "Bob", UserID: "bob", AgentProvisioned: false, CreatedAt: created},
		{AgentID: "user-alice", DisplayName: "Alice", UserID: "alice", AgentProvisioned: true, CreatedAt: created},
	})

	text := out.String()
	assert.Contains(t, text, "DISPLAY NAME")
	assert.Contains(t, text, "2025-03-01T12:00:00Z")
	assert.Less(t, strings.Index(text, "user-alice"), strings.Index(text, "user-bob"))
}
