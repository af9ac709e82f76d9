package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models veritrust.yml.
type Config struct {
	Network struct {
		ID string `yaml:"id"`
	} `yaml:"network"`
	Skills struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"skills"`
	Templates map[string]Template `yaml:"templates"`
	Traversal struct {
		MaxTasks int `yaml:"max_tasks"`
	} `yaml:"traversal"`
	Matching struct {
		ReputationRatio float64 `yaml:"reputation_ratio"`
	} `yaml:"matching"`
	Consensus struct {
		Reward  int `yaml:"reward"`
		Penalty int `yaml:"penalty"`
	} `yaml:"consensus"`
}

// Template is one verification task blueprint. Dimension may be empty for
// structural gates that carry no score of their own.
type Template struct {
	Description      string   `yaml:"description"`
	Dimension        string   `yaml:"dimension"`
	Threshold        float64  `yaml:"threshold"`
	Prerequisites    []string `yaml:"prerequisites"`
	Mandatory        bool     `yaml:"mandatory"`
	RiskWeight       float64  `yaml:"risk_weight"`
	MinValidators    int      `yaml:"min_validators"`
	MaxValidators    int      `yaml:"max_validators"`
	EstimatedMinutes int      `yaml:"estimated_minutes"`
	RequiredSkills   []string `yaml:"required_skills"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with vt init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks the structural parts of the config. Graph-level checks
// (acyclicity, prerequisite resolution) live in the graph package, which
// re-validates on load.
func (c *Config) Validate() error {
	if c.Network.ID == "" {
		return fmt.Errorf("config.network.id is required")
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("config.templates is required")
	}
	for id, t := range c.Templates {
		if id == "" {
			return fmt.Errorf("config.templates contains empty template id")
		}
		if t.Threshold < 0 || t.Threshold > 1 {
			return fmt.Errorf("template %s threshold %v outside [0,1]", id, t.Threshold)
		}
		if t.MinValidators < 2 || t.MinValidators > 5 {
			return fmt.Errorf("template %s min_validators %d outside [2,5]", id, t.MinValidators)
		}
		if t.MaxValidators != 0 && (t.MaxValidators < t.MinValidators || t.MaxValidators > 5) {
			return fmt.Errorf("template %s max_validators %d outside [min,5]", id, t.MaxValidators)
		}
		if t.EstimatedMinutes <= 0 {
			return fmt.Errorf("template %s estimated_minutes must be positive", id)
		}
		for _, s := range t.RequiredSkills {
			if s == "" {
				return fmt.Errorf("template %s has empty skill tag", id)
			}
		}
	}
	if c.Traversal.MaxTasks < 0 {
		return fmt.Errorf("config.traversal.max_tasks cannot be negative")
	}
	if c.Matching.ReputationRatio < 0 || c.Matching.ReputationRatio > 1 {
		return fmt.Errorf("config.matching.reputation_ratio outside [0,1]")
	}
	if c.Consensus.Reward < 0 || c.Consensus.Penalty < 0 {
		return fmt.Errorf("config.consensus reward/penalty cannot be negative")
	}
	return nil
}

// KnownSkill reports whether the skill tag is in the recognized vocabulary.
// An empty catalog accepts everything.
func (c *Config) KnownSkill(tag string) bool {
	if len(c.Skills.Catalog) == 0 {
		return true
	}
	_, ok := c.Skills.Catalog[tag]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "veritrust.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(networkID string) string {
	return fmt.Sprintf(defaultTemplate, networkID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a network.
func Default(networkID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, networkID))).Decode(&cfg)
	cfg.Network.ID = networkID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `network:
  id: %s

skills:
  catalog:
    testing:
      description: "Functional and regression testing"
    correctness:
      description: "Reading code for logical correctness"
    performance:
      description: "Benchmarking and profiling"
    load_testing:
      description: "Sustained and burst load generation"
    security:
      description: "Security review and hardening"
    penetration_testing:
      description: "Offensive security testing"
    reliability:
      description: "Failure injection and recovery checks"
    scalability:
      description: "Scale-out behavior analysis"
    reproducibility:
      description: "Deterministic build and replay checks"
    compatibility:
      description: "API contract and version compatibility"
    documentation:
      description: "Docs accuracy review"

templates:
  baseline-correctness:
    description: "Verify basic functional correctness of the claimed behavior"
    dimension: correctness
    threshold: 0.3
    mandatory: true
    risk_weight: 2.0
    min_validators: 3
    max_validators: 5
    estimated_minutes: 45
    required_skills: [testing, correctness]

  input-validation:
    description: "Probe input boundaries and edge cases"
    dimension: correctness
    threshold: 0.5
    prerequisites: [baseline-correctness]
    risk_weight: 1.5
    min_validators: 2
    max_validators: 4
    estimated_minutes: 30
    required_skills: [testing]

  error-handling:
    description: "Exercise error paths and failure responses"
    dimension: reliability
    threshold: 0.5
    prerequisites: [baseline-correctness]
    risk_weight: 1.5
    min_validators: 2
    max_validators: 3
    estimated_minutes: 30
    required_skills: [testing, reliability]

  throughput-benchmark:
    description: "Measure sustained request throughput"
    dimension: performance
    threshold: 0.5
    prerequisites: [baseline-correctness]
    risk_weight: 1.5
    min_validators: 2
    max_validators: 4
    estimated_minutes: 30
    required_skills: [performance, load_testing]

  latency-profile:
    description: "Measure response time distribution (p50/p95/p99)"
    dimension: performance
    threshold: 0.6
    prerequisites: [baseline-correctness]
    risk_weight: 1.5
    min_validators: 2
    max_validators: 3
    estimated_minutes: 30
    required_skills: [performance]

  sustained-load:
    description: "Extended duration load for stability"
    dimension: performance
    threshold: 0.8
    prerequisites: [throughput-benchmark, latency-profile]
    risk_weight: 1.8
    min_validators: 2
    max_validators: 4
    estimated_minutes: 60
    required_skills: [load_testing, reliability]

  security-basic:
    description: "Verify authentication boundaries are enforced"
    dimension: security
    threshold: 0.5
    prerequisites: [baseline-correctness]
    risk_weight: 2.0
    min_validators: 3
    max_validators: 5
    estimated_minutes: 60
    required_skills: [security]

  security-deep:
    description: "Injection, privilege and data exposure testing"
    dimension: security
    threshold: 0.7
    prerequisites: [security-basic]
    risk_weight: 2.5
    min_validators: 3
    max_validators: 5
    estimated_minutes: 90
    required_skills: [security, penetration_testing]

  concurrency-check:
    description: "Behavior under high concurrent load"
    dimension: scalability
    threshold: 0.6
    prerequisites: [throughput-benchmark]
    risk_weight: 1.5
    min_validators: 2
    max_validators: 4
    estimated_minutes: 45
    required_skills: [scalability, load_testing]

  determinism-check:
    description: "Outputs are deterministic for identical inputs"
    dimension: reproducibility
    threshold: 0.5
    prerequisites: [baseline-correctness]
    risk_weight: 1.5
    min_validators: 2
    max_validators: 3
    estimated_minutes: 30
    required_skills: [reproducibility, testing]

  api-contract:
    description: "API adheres to its documented contract"
    dimension: compatibility
    threshold: 0.5
    prerequisites: [baseline-correctness]
    risk_weight: 1.5
    min_validators: 2
    max_validators: 3
    estimated_minutes: 30
    required_skills: [compatibility]

  backward-compat:
    description: "Backward compatibility with previous versions"
    dimension: compatibility
    threshold: 0.7
    prerequisites: [api-contract]
    risk_weight: 1.8
    min_validators: 2
    max_validators: 4
    estimated_minutes: 45
    required_skills: [compatibility, testing]

  failure-recovery:
    description: "Recovery behavior after induced failures"
    dimension: reliability
    threshold: 0.7
    prerequisites: [error-handling]
    risk_weight: 1.8
    min_validators: 2
    max_validators: 4
    estimated_minutes: 45
    required_skills: [reliability]

  docs-accuracy:
    description: "Documentation matches actual behavior"
    dimension: documentation
    threshold: 0.5
    prerequisites: [baseline-correctness]
    risk_weight: 1.0
    min_validators: 2
    max_validators: 2
    estimated_minutes: 20
    required_skills: [documentation]

traversal:
  max_tasks: 10

matching:
  reputation_ratio: 0.6

consensus:
  reward: 10
  penalty: 10
`
