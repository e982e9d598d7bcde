package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/dossier/internal/circuitbreaker"
)

// SourceSettings is the static configuration of one data source.
type SourceSettings struct {
	DisplayName        string  `yaml:"display_name" json:"display_name"`
	Enabled            *bool   `yaml:"enabled" json:"enabled,omitempty"`
	IsCritical         bool    `yaml:"is_critical" json:"is_critical"`
	UseCircuitBreaker  bool    `yaml:"use_circuit_breaker" json:"use_circuit_breaker"`
	RetryWithinSession *bool   `yaml:"retry_within_session" json:"retry_within_session,omitempty"`
	CooldownSeconds    int     `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	MaxQueries         int     `yaml:"max_queries" json:"max_queries,omitempty"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst              int     `yaml:"burst" json:"burst"`
	BaseURL            string  `yaml:"base_url" json:"base_url,omitempty"`
}

// IsEnabled defaults to true when unset.
func (s SourceSettings) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Class converts the settings to the breaker's classification.
func (s SourceSettings) Class() circuitbreaker.SourceClass {
	retry := circuitbreaker.DefaultSourceClass.RetryWithinSession
	if s.RetryWithinSession != nil {
		retry = *s.RetryWithinSession
	}
	cooldown := s.CooldownSeconds
	if cooldown == 0 {
		cooldown = circuitbreaker.DefaultSourceClass.CooldownSeconds
	}
	return circuitbreaker.SourceClass{
		Critical:           s.IsCritical,
		UseCircuitBreaker:  s.UseCircuitBreaker,
		RetryWithinSession: retry,
		CooldownSeconds:    cooldown,
	}
}

// SourcesConfig is sources.yaml: settings keyed by source id.
type SourcesConfig struct {
	Sources map[string]SourceSettings `yaml:"sources" json:"sources"`
}

// Get returns a source's settings with defaults applied.
func (c SourcesConfig) Get(id string) SourceSettings {
	s, ok := c.Sources[id]
	if !ok {
		s = SourceSettings{DisplayName: id}
	}
	if s.DisplayName == "" {
		s.DisplayName = id
	}
	if s.RequestsPerSecond <= 0 {
		s.RequestsPerSecond = 1
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	return s
}

// Classify looks a source up by display name; unknown names get the default class.
func (c SourcesConfig) Classify(displayName string) circuitbreaker.SourceClass {
	for id, s := range c.Sources {
		if s.DisplayName == displayName || (s.DisplayName == "" && id == displayName) {
			return s.Class()
		}
	}
	return circuitbreaker.DefaultSourceClass
}

// IDs returns the configured source ids, sorted.
func (c SourcesConfig) IDs() []string {
	ids := make([]string, 0, len(c.Sources))
	for id := range c.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func boolPtr(b bool) *bool { return &b }

// DefaultSources is used when no sources.yaml is found.
func DefaultSources() SourcesConfig {
	return SourcesConfig{Sources: map[string]SourceSettings{
		"brave": {
			DisplayName: "Brave Search", RetryWithinSession: boolPtr(true),
			CooldownSeconds: 1, RequestsPerSecond: 1, Burst: 1,
		},
		"federal_register": {
			DisplayName: "Federal Register", RetryWithinSession: boolPtr(true),
			CooldownSeconds: 60, RequestsPerSecond: 2, Burst: 2,
		},
		"sec_edgar": {
			DisplayName: "SEC EDGAR", RetryWithinSession: boolPtr(true), UseCircuitBreaker: true,
			CooldownSeconds: 600, RequestsPerSecond: 5, Burst: 5,
		},
		"congress": {
			DisplayName: "Congress.gov", RetryWithinSession: boolPtr(false),
			CooldownSeconds: 3600, RequestsPerSecond: 1, Burst: 1,
		},
		"sam_gov": {
			DisplayName: "SAM.gov", IsCritical: true, RetryWithinSession: boolPtr(true),
			CooldownSeconds: 30, RequestsPerSecond: 1, Burst: 1,
		},
		"fbi_vault": {
			DisplayName: "FBI Vault", RetryWithinSession: boolPtr(false),
			CooldownSeconds: 86400, MaxQueries: 3, RequestsPerSecond: 0.2, Burst: 1,
		},
	}}
}

// LoadSources reads sources.yaml from path, SOURCES_CONFIG_PATH or the usual
// locations. Without a file the built-in defaults apply.
func LoadSources(path string) (SourcesConfig, error) {
	if path == "" {
		path = resolvePath("SOURCES_CONFIG_PATH", "sources.yaml")
	}
	if path == "" {
		return DefaultSources(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SourcesConfig{}, fmt.Errorf("failed to read sources.yaml: %w", err)
	}
	return ParseSources(data)
}

// ParseSources decodes sources.yaml content.
func ParseSources(data []byte) (SourcesConfig, error) {
	var cfg SourcesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SourcesConfig{}, fmt.Errorf("failed to parse sources.yaml: %w", err)
	}
	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceSettings{}
	}
	for id, s := range cfg.Sources {
		if s.MaxQueries < 0 {
			return SourcesConfig{}, fmt.Errorf("source %s: max_queries must be >= 0", id)
		}
		if s.DisplayName == "" {
			s.DisplayName = id
			cfg.Sources[id] = s
		}
	}
	return cfg, nil
}

// Settings is an immutable snapshot of both files. A run holds one snapshot
// for its whole lifetime.
type Settings struct {
	Research ResearchConfig
	Sources  SourcesConfig
}

// MaxQueriesFor resolves the saturation query ceiling for a source id:
// research.yaml per-source override, then sources.yaml, then the default.
func (s Settings) MaxQueriesFor(sourceID string) int {
	if n, ok := s.Research.Saturation.MaxQueriesPerSource[sourceID]; ok && n > 0 {
		return n
	}
	if src, ok := s.Sources.Sources[sourceID]; ok && src.MaxQueries > 0 {
		return src.MaxQueries
	}
	if s.Research.Saturation.DefaultMaxQueries > 0 {
		return s.Research.Saturation.DefaultMaxQueries
	}
	return 1
}

// Classifier adapts the snapshot for the rate-limit breaker.
func (s Settings) Classifier() circuitbreaker.Classifier {
	return circuitbreaker.ClassifierFunc(s.Sources.Classify)
}

// LoadSettings loads both files from a directory ("" = default resolution).
func LoadSettings(dir string) (Settings, error) {
	researchPath, sourcesPath := "", ""
	if dir != "" {
		researchPath = existing(dir, "research.yaml")
		sourcesPath = existing(dir, "sources.yaml")
	}
	research, err := LoadResearch(researchPath)
	if err != nil {
		return Settings{}, err
	}
	sources, err := LoadSources(sourcesPath)
	if err != nil {
		return Settings{}, err
	}
	return Settings{Research: research, Sources: sources}, nil
}

func existing(dir, name string) string {
	for _, n := range []string{name, strings.TrimSuffix(name, ".yaml") + ".yml"} {
		p := filepath.Join(dir, n)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
