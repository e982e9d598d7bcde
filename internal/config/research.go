package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ResearchConfig is the research policy: which execution modes run and the
// ceilings that bound them.
type ResearchConfig struct {
	SaturationMode bool             `mapstructure:"saturation_mode" json:"saturation_mode"`
	CoverageMode   bool             `mapstructure:"coverage_mode" json:"coverage_mode"`
	Saturation     SaturationConfig `mapstructure:"saturation" json:"saturation"`
	Coverage       CoverageConfig   `mapstructure:"coverage" json:"coverage"`
	Run            RunConfig        `mapstructure:"run" json:"run"`
}

type SaturationConfig struct {
	DefaultMaxQueries       int            `mapstructure:"default_max_queries" json:"default_max_queries"`
	MaxQueriesPerSource     map[string]int `mapstructure:"max_queries_per_source" json:"max_queries_per_source,omitempty"`
	MaxTimePerSourceSeconds float64        `mapstructure:"max_time_per_source_seconds" json:"max_time_per_source_seconds"`
	ResultsPerQuery         int            `mapstructure:"results_per_query" json:"results_per_query"`
}

type CoverageConfig struct {
	MaxHypothesesToExecute int     `mapstructure:"max_hypotheses_to_execute" json:"max_hypotheses_to_execute"`
	MaxTimePerTaskSeconds  float64 `mapstructure:"max_time_per_task_seconds" json:"max_time_per_task_seconds"`
}

type RunConfig struct {
	MaxConcurrentTasks int  `mapstructure:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	EntityExtraction   bool `mapstructure:"entity_extraction" json:"entity_extraction"`
	EntityFilter       bool `mapstructure:"entity_filter" json:"entity_filter"`
	MaxEntitiesPerCall int  `mapstructure:"max_entities_per_call" json:"max_entities_per_call"`
}

// MaxTimePerSource is the saturation wall-clock budget.
func (c SaturationConfig) MaxTimePerSource() time.Duration {
	return time.Duration(c.MaxTimePerSourceSeconds * float64(time.Second))
}

// MaxTimePerTask is the coverage wall-clock budget.
func (c CoverageConfig) MaxTimePerTask() time.Duration {
	return time.Duration(c.MaxTimePerTaskSeconds * float64(time.Second))
}

const envPrefix = "DOSSIER"

func setResearchDefaults(v *viper.Viper) {
	v.SetDefault("saturation_mode", true)
	v.SetDefault("coverage_mode", true)
	v.SetDefault("saturation.default_max_queries", 5)
	v.SetDefault("saturation.max_queries_per_source", map[string]int{})
	v.SetDefault("saturation.max_time_per_source_seconds", 120.0)
	v.SetDefault("saturation.results_per_query", 10)
	v.SetDefault("coverage.max_hypotheses_to_execute", 5)
	v.SetDefault("coverage.max_time_per_task_seconds", 600.0)
	v.SetDefault("run.max_concurrent_tasks", 0)
	v.SetDefault("run.entity_extraction", true)
	v.SetDefault("run.entity_filter", true)
	v.SetDefault("run.max_entities_per_call", 10)
}

// DefaultResearch returns the built-in policy.
func DefaultResearch() ResearchConfig {
	v := viper.New()
	setResearchDefaults(v)
	var c ResearchConfig
	_ = v.Unmarshal(&c)
	return c
}

// LoadResearch reads research.yaml from path, RESEARCH_CONFIG_PATH or the
// usual locations, applying DOSSIER_* env overrides (e.g.
// DOSSIER_COVERAGE_MAX_HYPOTHESES_TO_EXECUTE). A missing file means defaults.
func LoadResearch(path string) (ResearchConfig, error) {
	v := viper.New()
	setResearchDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = resolvePath("RESEARCH_CONFIG_PATH", "research.yaml")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return ResearchConfig{}, fmt.Errorf("read research config: %w", err)
			}
		}
	}

	var c ResearchConfig
	if err := v.Unmarshal(&c); err != nil {
		return ResearchConfig{}, fmt.Errorf("unmarshal research config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return ResearchConfig{}, err
	}
	return c, nil
}

// Validate rejects ceilings that would leave a loop without a backstop.
func (c ResearchConfig) Validate() error {
	var problems []string
	if c.Saturation.DefaultMaxQueries < 1 {
		problems = append(problems, "saturation.default_max_queries must be >= 1")
	}
	for src, n := range c.Saturation.MaxQueriesPerSource {
		if n < 1 {
			problems = append(problems, fmt.Sprintf("saturation.max_queries_per_source.%s must be >= 1", src))
		}
	}
	if c.Saturation.MaxTimePerSourceSeconds <= 0 {
		problems = append(problems, "saturation.max_time_per_source_seconds must be > 0")
	}
	if c.Saturation.ResultsPerQuery < 1 {
		problems = append(problems, "saturation.results_per_query must be >= 1")
	}
	if c.Coverage.MaxHypothesesToExecute < 1 {
		problems = append(problems, "coverage.max_hypotheses_to_execute must be >= 1")
	}
	if c.Coverage.MaxTimePerTaskSeconds <= 0 {
		problems = append(problems, "coverage.max_time_per_task_seconds must be > 0")
	}
	if c.Run.MaxConcurrentTasks < 0 {
		problems = append(problems, "run.max_concurrent_tasks must be >= 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid research config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// resolvePath returns the env override or the first existing candidate.
func resolvePath(envKey, filename string) string {
	if p := os.Getenv(envKey); p != "" {
		return p
	}
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	for _, c := range []string{"/app/config/" + filename, "config/" + filename, "../../config/" + filename} {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
