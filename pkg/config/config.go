package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/hodei/pipelines/pkg/types"
)

// Duration wraps time.Duration so YAML accepts "30s" style values
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the orchestrator configuration, loaded from YAML
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Registry  RegistryConfig  `yaml:"registry"`
	Engine    EngineConfig    `yaml:"engine"`
	Pools     []PoolConfig    `yaml:"pools" validate:"dive"`
}

// ServerConfig holds the listen addresses and storage location
type ServerConfig struct {
	GRPCAddr string `yaml:"grpcAddr" validate:"required"`
	HTTPAddr string `yaml:"httpAddr" validate:"required"`
	DataDir  string `yaml:"dataDir"` // Empty runs on the in-memory store
}

// LogConfig tunes the global logger
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// SchedulerConfig selects the placement strategy and tick cadence
type SchedulerConfig struct {
	Strategy     string        `yaml:"strategy" validate:"omitempty,oneof=round-robin least-loaded greedy-best-fit bin-packing"`
	TickInterval Duration      `yaml:"tickInterval"`
	Weights      WeightsConfig `yaml:"weights"`
}

// WeightsConfig exposes the least-loaded scoring weights
type WeightsConfig struct {
	CPU     float64 `yaml:"cpu" validate:"gte=0"`
	Memory  float64 `yaml:"memory" validate:"gte=0"`
	Workers float64 `yaml:"workers" validate:"gte=0"`
}

// RegistryConfig tunes worker liveness and pool polling
type RegistryConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	MissedBeats       int      `yaml:"missedBeats" validate:"gte=0"`
	PollInterval      Duration `yaml:"pollInterval"`
	StaleAfter        Duration `yaml:"staleAfter"`
}

// EngineConfig tunes the placement lifecycle
type EngineConfig struct {
	ProvisionTimeout Duration `yaml:"provisionTimeout"`
	AcquireInterval  Duration `yaml:"acquireInterval"`
	CancelGrace      Duration `yaml:"cancelGrace"`
}

// PoolConfig declares one resource pool and its templates
type PoolConfig struct {
	ID         string           `yaml:"id" validate:"required"`
	Name       string           `yaml:"name"`
	Provider   string           `yaml:"provider" validate:"required,oneof=static local"`
	MaxWorkers int              `yaml:"maxWorkers" validate:"gt=0"`
	Labels     []string         `yaml:"labels"`
	Ephemeral  bool             `yaml:"ephemeral"`
	TemplateID string           `yaml:"templateId"`
	Templates  []TemplateConfig `yaml:"templates" validate:"dive"`
}

// TemplateConfig declares a worker template inside a pool
type TemplateConfig struct {
	ID       string            `yaml:"id" validate:"required"`
	Name     string            `yaml:"name"`
	CPU      string            `yaml:"cpu"`
	Memory   string            `yaml:"memory"`
	Labels   []string          `yaml:"labels"`
	Settings map[string]string `yaml:"settings"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr: "127.0.0.1:9090",
			HTTPAddr: "127.0.0.1:8080",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads, parses and validates a configuration file. Fields left unset
// fall back to the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints beyond what YAML parsing enforces
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool)
	for _, pool := range c.Pools {
		if seen[pool.ID] {
			return fmt.Errorf("invalid config: duplicate pool id %q", pool.ID)
		}
		seen[pool.ID] = true

		for _, tpl := range pool.Templates {
			if _, _, err := tpl.Resources(); err != nil {
				return fmt.Errorf("invalid config: pool %s template %s: %w", pool.ID, tpl.ID, err)
			}
		}
		if pool.TemplateID != "" && !pool.hasTemplate(pool.TemplateID) {
			return fmt.Errorf("invalid config: pool %s names unknown default template %q", pool.ID, pool.TemplateID)
		}
	}
	return nil
}

func (p *PoolConfig) hasTemplate(id string) bool {
	for _, tpl := range p.Templates {
		if tpl.ID == id {
			return true
		}
	}
	return false
}

// Pool converts the declaration to the runtime pool record
func (p *PoolConfig) Pool() *types.ResourcePool {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return &types.ResourcePool{
		ID:           p.ID,
		Name:         name,
		ProviderKind: p.Provider,
		MaxWorkers:   p.MaxWorkers,
		Labels:       p.Labels,
		TemplateID:   p.TemplateID,
		Ephemeral:    p.Ephemeral,
		CreatedAt:    time.Now(),
	}
}

// Resources parses the template's resource quantities
func (t *TemplateConfig) Resources() (cpu, memory resource.Quantity, _ error) {
	var err error
	if t.CPU != "" {
		if cpu, err = resource.ParseQuantity(t.CPU); err != nil {
			return cpu, memory, fmt.Errorf("cpu: %w", err)
		}
	}
	if t.Memory != "" {
		if memory, err = resource.ParseQuantity(t.Memory); err != nil {
			return cpu, memory, fmt.Errorf("memory: %w", err)
		}
	}
	return cpu, memory, nil
}

// Template converts the declaration to the runtime template record
func (t *TemplateConfig) Template(poolID string) (*types.WorkerTemplate, error) {
	cpu, memory, err := t.Resources()
	if err != nil {
		return nil, err
	}
	name := t.Name
	if name == "" {
		name = t.ID
	}
	return &types.WorkerTemplate{
		ID:       t.ID,
		Name:     name,
		PoolID:   poolID,
		Labels:   t.Labels,
		CPU:      cpu,
		Memory:   memory,
		Settings: t.Settings,
	}, nil
}
