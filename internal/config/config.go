package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"milapp/internal/domain"
	"milapp/internal/lifecycle"
)

// Config models milapp.yml.
type Config struct {
	Storage struct {
		Driver    string `yaml:"driver"`
		DSN       string `yaml:"dsn"`
		Workspace string `yaml:"workspace"`
	} `yaml:"storage"`
	Lifecycle struct {
		PassThreshold  *float64 `yaml:"pass_threshold"`
		ApprovalQuorum string  `yaml:"approval_quorum"`
		AllowSkipStage bool    `yaml:"allow_skip_stage"`
	} `yaml:"lifecycle"`
	Roles     map[string]Role `yaml:"roles"`
	Gates     []GateTemplate  `yaml:"gates"`
	Notify    NotifyConfig    `yaml:"notify"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`
	Logging struct {
		Mode string `yaml:"mode"`
	} `yaml:"logging"`
}

type Role struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

// GateTemplate describes the gate created for a boundary. Approvers may name
// actors directly or use $architect / $product_owner to take them from the
// project.
type GateTemplate struct {
	Type          string              `yaml:"type"`
	Name          string              `yaml:"name"`
	From          string              `yaml:"from"`
	To            string              `yaml:"to"`
	SLAHours      int                 `yaml:"sla_hours"`
	PassThreshold *float64            `yaml:"pass_threshold"`
	Approvers     []string            `yaml:"approvers"`
	Criteria      []CriterionTemplate `yaml:"criteria"`
}

type CriterionTemplate struct {
	Key     string  `yaml:"key"`
	Name    string  `yaml:"name"`
	Weight  float64 `yaml:"weight"`
	Minimum float64 `yaml:"minimum"`
	Expr    string  `yaml:"expr,omitempty"`
}

type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Redis    struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	BasePath               string `yaml:"base_path"`
	AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with milapp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config.storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.storage.driver must be one of sqlite, postgres, memory (got %q)", c.Storage.Driver)
	}
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("config.lifecycle: %w", err)
	}
	for roleID, role := range c.Roles {
		if roleID == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		for _, capability := range role.Capabilities {
			if capability == "" {
				return fmt.Errorf("role %s has empty capability", roleID)
			}
		}
	}
	for i, g := range c.Gates {
		if err := g.validate(); err != nil {
			return fmt.Errorf("config.gates[%d]: %w", i, err)
		}
	}
	for i, w := range c.Notify.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	if c.Notify.Redis.Addr != "" && c.Notify.Redis.Channel == "" {
		return fmt.Errorf("config.notify.redis.channel is required when addr is set")
	}
	switch c.Logging.Mode {
	case "", "development", "production":
	default:
		return fmt.Errorf("config.logging.mode must be development or production")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

func (g GateTemplate) validate() error {
	if g.Type == "" {
		return fmt.Errorf("type is required")
	}
	if _, err := lifecycle.ParseStage(g.From); err != nil {
		return fmt.Errorf("gate %s from: %w", g.Type, err)
	}
	if _, err := lifecycle.ParseStage(g.To); err != nil {
		return fmt.Errorf("gate %s to: %w", g.Type, err)
	}
	if g.SLAHours < 0 {
		return fmt.Errorf("gate %s sla_hours must not be negative", g.Type)
	}
	if t := g.PassThreshold; t != nil && (*t < 0 || *t > 100) {
		return fmt.Errorf("gate %s pass_threshold outside [0,100]", g.Type)
	}
	for _, a := range g.Approvers {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("gate %s has empty approver", g.Type)
		}
	}
	seen := map[string]bool{}
	for _, c := range g.Criteria {
		if c.Key == "" {
			return fmt.Errorf("gate %s has criterion without key", g.Type)
		}
		if seen[c.Key] {
			return fmt.Errorf("gate %s has duplicate criterion %s", g.Type, c.Key)
		}
		seen[c.Key] = true
	}
	if err := lifecycle.ValidateCriteria(g.DomainCriteria()); err != nil {
		return fmt.Errorf("gate %s: %w", g.Type, err)
	}
	return nil
}

// DomainCriteria returns the unscored criteria a new gate starts with.
func (g GateTemplate) DomainCriteria() []domain.Criterion {
	out := make([]domain.Criterion, 0, len(g.Criteria))
	for _, c := range g.Criteria {
		out = append(out, domain.Criterion{
			Key:       c.Key,
			Name:      c.Name,
			Weight:    c.Weight,
			Minimum:   c.Minimum,
			Automated: c.Expr != "",
			Expr:      c.Expr,
		})
	}
	return out
}

// Policy builds the lifecycle policy described by the config.
func (c *Config) Policy() lifecycle.Policy {
	p := lifecycle.Policy{
		PassThreshold:  lifecycle.DefaultPassThreshold,
		Quorum:         lifecycle.Quorum(c.Lifecycle.ApprovalQuorum),
		AllowSkipStage: c.Lifecycle.AllowSkipStage,
	}
	if c.Lifecycle.PassThreshold != nil {
		p.PassThreshold = *c.Lifecycle.PassThreshold
	}
	if p.Quorum == "" {
		p.Quorum = lifecycle.QuorumAll
	}
	for _, g := range c.Gates {
		p.Gates = append(p.Gates, lifecycle.GateRule{
			Type:     g.Type,
			Boundary: lifecycle.Boundary{From: domain.Stage(g.From), To: domain.Stage(g.To)},
		})
	}
	return p
}

// GateTemplate returns the template for gate type t.
func (c *Config) GateTemplate(t string) (GateTemplate, bool) {
	for _, g := range c.Gates {
		if g.Type == t {
			return g, true
		}
	}
	return GateTemplate{}, false
}

// RoleCapabilities flattens Roles for the auth service. It returns nil when
// no roles are configured.
func (c *Config) RoleCapabilities() map[string][]string {
	if len(c.Roles) == 0 {
		return nil
	}
	out := make(map[string][]string, len(c.Roles))
	for id, r := range c.Roles {
		out[id] = append([]string(nil), r.Capabilities...)
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "milapp.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverSQLite
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

// Marshal renders the config back to YAML.
func Marshal(c *Config) ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `storage:
  driver: sqlite

lifecycle:
  pass_threshold: 70
  approval_quorum: all
  allow_skip_stage: false

roles:
  admin:
    description: "Full access"
    capabilities: ["*"]
  pmo:
    description: "Portfolio office"
    capabilities: [stage.revert, gate.init, gate.score, gate.escalate, project.create, project.update, project.archive]
  arquiteto:
    description: "Solution architect"
    capabilities: [gate.init, gate.score, project.update]
  product_owner:
    description: "Product owner"
    capabilities: [gate.score, project.create, project.update]
  desenvolvedor:
    description: "Developer"
    capabilities: [project.update]
  qa_tester:
    description: "QA"
    capabilities: [gate.score]
  stakeholder:
    description: "Read-only stakeholder"
    capabilities: []
  auditor:
    description: "Read-only auditor"
    capabilities: []

gates:
  - type: G1
    name: "Viabilidade"
    from: analise_viabilidade
    to: prototipo_rapido
    sla_hours: 48
    approvers: [$product_owner, $architect]
    criteria:
      - {key: pdd, name: "PDD completo e aprovado", weight: 0.25, minimum: 60}
      - {key: technical_viability, name: "Viabilidade técnica", weight: 0.25, minimum: 60}
      - {key: business_viability, name: "Viabilidade de negócio", weight: 0.25, minimum: 60, expr: "has(project.estimated_roi) && project.estimated_roi > 0.0"}
      - {key: resources, name: "Recursos e cronograma", weight: 0.25, minimum: 60, expr: "has(project.target_date) && has(project.assigned_architect)"}
  - type: G2
    name: "Validação do protótipo"
    from: validacao_prototipo
    to: mvp
    sla_hours: 72
    approvers: [$product_owner, $architect]
    criteria:
      - {key: prototype_validated, name: "Protótipo validado com usuários", weight: 0.4, minimum: 70}
      - {key: technical_quality, name: "Qualidade técnica", weight: 0.3, minimum: 60}
      - {key: business_case, name: "Caso de negócio confirmado", weight: 0.3, minimum: 60}
  - type: G3
    name: "Prontidão operacional"
    from: teste_operacional
    to: escala_entrega
    sla_hours: 72
    approvers: [$product_owner, $architect]
    criteria:
      - {key: operational_tests, name: "Testes operacionais", weight: 0.4, minimum: 70}
      - {key: security, name: "Segurança", weight: 0.3, minimum: 70}
      - {key: documentation, name: "Documentação (SDD/GMUD)", weight: 0.3, minimum: 60}
  - type: G4
    name: "Pós-entrega"
    from: acompanhamento_pos_entrega
    to: sustentacao_evolucao
    sla_hours: 120
    approvers: [$product_owner]
    criteria:
      - {key: adoption, name: "Adoção pelos usuários", weight: 0.5, minimum: 60}
      - {key: support_handover, name: "Passagem para sustentação", weight: 0.5, minimum: 60}

notify:
  webhooks: []

server:
  addr: ":8080"
  base_path: /v1
  allow_legacy_actor_header: false

telemetry:
  enabled: false
  service_name: milapp

logging:
  mode: production
`
