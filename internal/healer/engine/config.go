package engine

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/remedyhq/remedy/internal/collab"
	"github.com/remedyhq/remedy/internal/healer/dispatch"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// FileConfig is the YAML configuration file shape. Pointer fields distinguish
// "absent" from an explicit zero; Effective resolves them against defaults.
type FileConfig struct {
	MaxConcurrentCases *int   `yaml:"max_concurrent_cases,omitempty"`
	AdmitBuffer        *int   `yaml:"admit_buffer,omitempty"`
	GlobalDeadlineMS   *int64 `yaml:"global_deadline_ms,omitempty"`

	MaxRetries map[string]int `yaml:"max_retries,omitempty"`

	BackoffBaseMS *int  `yaml:"backoff_base_ms,omitempty"`
	BackoffCapMS  *int  `yaml:"backoff_cap_ms,omitempty"`
	BackoffJitter *bool `yaml:"backoff_jitter,omitempty"`

	MinDiagnosisConfidence    *float64 `yaml:"min_diagnosis_confidence,omitempty"`
	FlakyThreshold            *float64 `yaml:"flaky_threshold,omitempty"`
	TestRetries               *int     `yaml:"test_retries,omitempty"`
	ProofCriticalityThreshold *string  `yaml:"proof_criticality_threshold,omitempty"`
	PerTheoremBudgetMS        *int64   `yaml:"per_theorem_budget_ms,omitempty"`

	DedupTTLSeconds *int   `yaml:"dedup_ttl_seconds,omitempty"`
	StaleCutoffMS   *int64 `yaml:"stale_cutoff_ms,omitempty"`
	RetentionMS     *int64 `yaml:"retention_ms,omitempty"`

	TokenBudget    *int     `yaml:"token_budget,omitempty"`
	SecretPatterns []string `yaml:"secret_patterns,omitempty"`

	EligibleWorkflows []string `yaml:"eligible_workflows,omitempty"`

	ActivityTimeoutMS *int64 `yaml:"activity_timeout_ms,omitempty"`
	StallTimeoutMS    *int64 `yaml:"stall_timeout_ms,omitempty"`

	JournalDir string           `yaml:"journal_dir,omitempty"`
	Listen     string           `yaml:"listen,omitempty"`
	Collab     collab.Endpoints `yaml:"collaborators,omitempty"`
	Forge      collab.Endpoint  `yaml:"forge,omitempty"`

	Invariants []InvariantConfig `yaml:"invariants,omitempty"`
}

// InvariantConfig declares one invariant the prover must check.
type InvariantConfig struct {
	Name        string `yaml:"name"`
	Predicate   string `yaml:"predicate"`
	Criticality string `yaml:"criticality"`
	Scope       string `yaml:"scope,omitempty"`
}

// Config is the resolved runtime configuration.
type Config struct {
	MaxConcurrentCases int
	AdmitBuffer        int
	GlobalDeadline     time.Duration

	// MaxRetries caps feedback re-entries per phase: the phase may run at
	// most MaxRetries[phase]+1 invocations (plus the crash-recovery call).
	MaxRetries map[runtime.State]int

	Backoff dispatch.BackoffConfig

	MinDiagnosisConfidence    float64
	FlakyThreshold            float64
	TestRetries               int
	ProofCriticalityThreshold runtime.Criticality
	PerTheoremBudget          time.Duration

	DedupTTL    time.Duration
	StaleCutoff time.Duration

	// Retention is how long a sealed case keeps its full journal history
	// before the janitor compacts it down to the snapshot.
	Retention time.Duration

	TokenBudget    int
	SecretPatterns []string

	EligibleWorkflows []string

	ActivityTimeout time.Duration
	StallTimeout    time.Duration

	JournalDir string
	Listen     string
	Collab     collab.Endpoints
	Forge      collab.Endpoint

	Invariants []runtime.Invariant
}

// LoadConfig reads and resolves a YAML config file. Unknown fields are
// rejected so typos fail at startup instead of silently using defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc.Effective()
}

// Effective resolves defaults and validates the result.
func (fc FileConfig) Effective() (*Config, error) {
	cfg := &Config{
		MaxConcurrentCases:        intOr(fc.MaxConcurrentCases, 100),
		AdmitBuffer:               intOr(fc.AdmitBuffer, 1000),
		GlobalDeadline:            msOr(fc.GlobalDeadlineMS, 20*time.Minute),
		MinDiagnosisConfidence:    floatOr(fc.MinDiagnosisConfidence, 0.5),
		FlakyThreshold:            floatOr(fc.FlakyThreshold, 0.2),
		TestRetries:               intOr(fc.TestRetries, 3),
		PerTheoremBudget:          msOr(fc.PerTheoremBudgetMS, 2*time.Second),
		DedupTTL:                  time.Duration(intOr(fc.DedupTTLSeconds, 3600)) * time.Second,
		StaleCutoff:               msOr(fc.StaleCutoffMS, 24*time.Hour),
		Retention:                 msOr(fc.RetentionMS, time.Hour),
		TokenBudget:               intOr(fc.TokenBudget, 16_000),
		SecretPatterns:            fc.SecretPatterns,
		EligibleWorkflows:         fc.EligibleWorkflows,
		ActivityTimeout:           msOr(fc.ActivityTimeoutMS, 5*time.Minute),
		StallTimeout:              msOr(fc.StallTimeoutMS, 0),
		JournalDir:                fc.JournalDir,
		Listen:                    fc.Listen,
		Collab:                    fc.Collab,
		Forge:                     fc.Forge,
	}

	for _, ic := range fc.Invariants {
		crit, err := runtime.ParseCriticality(ic.Criticality)
		if err != nil {
			return nil, fmt.Errorf("config: invariant %q: %w", ic.Name, err)
		}
		if ic.Name == "" {
			return nil, fmt.Errorf("config: invariant without a name")
		}
		cfg.Invariants = append(cfg.Invariants, runtime.Invariant{
			Name:        ic.Name,
			Predicate:   ic.Predicate,
			Criticality: crit,
			Scope:       ic.Scope,
		})
	}

	cfg.Backoff = dispatch.BackoffConfig{
		BaseMS: intOr(fc.BackoffBaseMS, 1000),
		CapMS:  intOr(fc.BackoffCapMS, 60_000),
		Jitter: boolOr(fc.BackoffJitter, true),
	}

	cfg.MaxRetries = map[runtime.State]int{
		runtime.StatePatch: 2,
		runtime.StateTest:  1,
	}
	for name, n := range fc.MaxRetries {
		st, err := runtime.ParseState(name)
		if err != nil {
			return nil, fmt.Errorf("config: max_retries: %w", err)
		}
		if st != runtime.StatePatch && st != runtime.StateTest {
			return nil, fmt.Errorf("config: max_retries: phase %q has no retry budget", name)
		}
		cfg.MaxRetries[st] = n
	}

	threshold := runtime.CriticalityMedium
	if fc.ProofCriticalityThreshold != nil {
		c, err := runtime.ParseCriticality(*fc.ProofCriticalityThreshold)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		threshold = c
	}
	cfg.ProofCriticalityThreshold = threshold

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxConcurrentCases < 1 {
		return fmt.Errorf("config: max_concurrent_cases must be >= 1, got %d", c.MaxConcurrentCases)
	}
	if c.AdmitBuffer < 1 {
		return fmt.Errorf("config: admit_buffer must be >= 1, got %d", c.AdmitBuffer)
	}
	if c.GlobalDeadline <= 0 {
		return fmt.Errorf("config: global_deadline_ms must be positive")
	}
	for st, n := range c.MaxRetries {
		if n < 0 {
			return fmt.Errorf("config: max_retries[%s] must be >= 0, got %d", st, n)
		}
	}
	if c.Backoff.BaseMS < 0 || c.Backoff.CapMS < 0 {
		return fmt.Errorf("config: backoff durations must be >= 0")
	}
	if c.MinDiagnosisConfidence < 0 || c.MinDiagnosisConfidence > 1 {
		return fmt.Errorf("config: min_diagnosis_confidence %v out of [0,1]", c.MinDiagnosisConfidence)
	}
	if c.FlakyThreshold < 0 || c.FlakyThreshold > 1 {
		return fmt.Errorf("config: flaky_threshold %v out of [0,1]", c.FlakyThreshold)
	}
	if c.TestRetries < 1 {
		return fmt.Errorf("config: test_retries must be >= 1, got %d", c.TestRetries)
	}
	if c.Retention < 0 {
		return fmt.Errorf("config: retention_ms must be >= 0")
	}
	if c.TokenBudget < 1 {
		return fmt.Errorf("config: token_budget must be >= 1, got %d", c.TokenBudget)
	}
	for _, g := range c.EligibleWorkflows {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("config: eligible_workflows: invalid glob %q", g)
		}
	}
	return nil
}

// WorkflowEligible reports whether the workflow name matches the configured
// glob set. An empty set admits every workflow.
func (c *Config) WorkflowEligible(workflow string) bool {
	if len(c.EligibleWorkflows) == 0 {
		return true
	}
	for _, g := range c.EligibleWorkflows {
		if ok, err := doublestar.Match(g, workflow); err == nil && ok {
			return true
		}
	}
	return false
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func floatOr(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

func msOr(p *int64, def time.Duration) time.Duration {
	if p != nil {
		return time.Duration(*p) * time.Millisecond
	}
	return def
}
