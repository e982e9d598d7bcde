package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadResearchDefaults(t *testing.T) {
	t.Setenv("RESEARCH_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := LoadResearch("")
	require.NoError(t, err)
	assert.True(t, cfg.SaturationMode)
	assert.True(t, cfg.CoverageMode)
	assert.Equal(t, 5, cfg.Saturation.DefaultMaxQueries)
	assert.Equal(t, 120*time.Second, cfg.Saturation.MaxTimePerSource())
	assert.Equal(t, 5, cfg.Coverage.MaxHypothesesToExecute)
	assert.Equal(t, 600*time.Second, cfg.Coverage.MaxTimePerTask())
	assert.Equal(t, 10, cfg.Run.MaxEntitiesPerCall)
}

func TestLoadResearchFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "research.yaml", `
saturation_mode: false
saturation:
  default_max_queries: 3
  max_queries_per_source:
    brave: 8
coverage:
  max_hypotheses_to_execute: 2
`)
	t.Setenv("DOSSIER_COVERAGE_MAX_TIME_PER_TASK_SECONDS", "90")

	cfg, err := LoadResearch(path)
	require.NoError(t, err)
	assert.False(t, cfg.SaturationMode)
	assert.True(t, cfg.CoverageMode)
	assert.Equal(t, 3, cfg.Saturation.DefaultMaxQueries)
	assert.Equal(t, 8, cfg.Saturation.MaxQueriesPerSource["brave"])
	assert.Equal(t, 2, cfg.Coverage.MaxHypothesesToExecute)
	assert.Equal(t, 90*time.Second, cfg.Coverage.MaxTimePerTask())
}

func TestLoadResearchRejectsMissingBackstops(t *testing.T) {
	path := writeFile(t, t.TempDir(), "research.yaml", `
saturation:
  default_max_queries: 0
  max_time_per_source_seconds: 0
`)
	_, err := LoadResearch(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_max_queries")
	assert.Contains(t, err.Error(), "max_time_per_source_seconds")
}

func TestParseSourcesDefaults(t *testing.T) {
	cfg, err := ParseSources([]byte(`
sources:
  fbi_vault:
    display_name: FBI Vault
    retry_within_session: false
    cooldown_seconds: 86400
  brave:
    display_name: Brave Search
  congress: {}
`))
	require.NoError(t, err)

	vault := cfg.Classify("FBI Vault")
	assert.False(t, vault.RetryWithinSession)
	assert.Equal(t, 86400, vault.CooldownSeconds)

	brave := cfg.Classify("Brave Search")
	assert.True(t, brave.RetryWithinSession)
	assert.Equal(t, 60, brave.CooldownSeconds)

	assert.Equal(t, "congress", cfg.Get("congress").DisplayName)
	assert.True(t, cfg.Get("congress").IsEnabled())
	assert.Equal(t, 1.0, cfg.Get("unknown").RequestsPerSecond)
	assert.Equal(t, []string{"brave", "congress", "fbi_vault"}, cfg.IDs())
}

func TestMaxQueriesForPrecedence(t *testing.T) {
	s := Settings{Research: DefaultResearch(), Sources: DefaultSources()}
	s.Research.Saturation.MaxQueriesPerSource = map[string]int{"brave": 9}

	assert.Equal(t, 9, s.MaxQueriesFor("brave"))
	assert.Equal(t, 3, s.MaxQueriesFor("fbi_vault"))
	assert.Equal(t, 5, s.MaxQueriesFor("congress"))
}

func TestConfigManagerReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "research.yaml", "coverage:\n  max_hypotheses_to_execute: 2\n")
	writeFile(t, dir, "sources.yaml", "sources:\n  brave:\n    display_name: Brave Search\n")

	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, cm.Current().Research.Coverage.MaxHypothesesToExecute)

	changed := make(chan Settings, 4)
	cm.OnChange(func(s Settings) { changed <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cm.Start(ctx))
	defer cm.Stop()

	writeFile(t, dir, "research.yaml", "coverage:\n  max_hypotheses_to_execute: 7\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-changed:
			if s.Research.Coverage.MaxHypothesesToExecute == 7 {
				assert.Equal(t, 7, cm.Current().Research.Coverage.MaxHypothesesToExecute)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestConfigManagerKeepsPreviousOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "research.yaml", "coverage:\n  max_hypotheses_to_execute: 4\n")

	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	writeFile(t, dir, "research.yaml", "coverage:\n  max_hypotheses_to_execute: 0\n")
	require.Error(t, cm.Reload())
	assert.Equal(t, 4, cm.Current().Research.Coverage.MaxHypothesesToExecute)
}
