package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"taskdesk/internal/engine/auth"
)

// Config models taskdesk.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Locale string `yaml:"locale"`
	Queue  struct {
		Size int `yaml:"size"`
	} `yaml:"queue"`
	Scheduler struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"scheduler"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	RBAC     struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// WebhookConfig describes one outbound delivery endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Kind           string   `yaml:"kind"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Deliver reports whether the hook receives messages of kind
// ("notification" or "event").
func (w WebhookConfig) Deliver(kind string) bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return w.Kind == "" || w.Kind == "all" || w.Kind == kind
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with taskdesk config init", path)
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
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if c.Queue.Size < 0 {
		return fmt.Errorf("config.queue.size must not be negative")
	}
	if c.Scheduler.IntervalSeconds < 0 {
		return fmt.Errorf("config.scheduler.interval_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		switch hook.Kind {
		case "", "all", "notification", "event":
		default:
			return fmt.Errorf("webhooks[%d].kind must be notification, event or all", i)
		}
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	if _, err := c.Permissions(); err != nil {
		return err
	}
	return nil
}

// Permissions flattens the role table into permission rows.
func (c *Config) Permissions() ([]auth.Permission, error) {
	roleIDs := make([]string, 0, len(c.RBAC.Roles))
	for id := range c.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	seen := map[auth.Key]bool{}
	var out []auth.Permission
	for _, id := range roleIDs {
		role, err := auth.ParseRole(id)
		if err != nil {
			return nil, fmt.Errorf("config.rbac.roles: %w", err)
		}
		for _, raw := range c.RBAC.Roles[id].Permissions {
			p, err := auth.ParsePermission(role, raw)
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", id, err)
			}
			if seen[p.Key()] {
				return nil, fmt.Errorf("role %s: duplicate permission %s:%s", id, p.Operation, p.Resource)
			}
			seen[p.Key()] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskdesk.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `org:
  id: default-org
  name: Default Org

locale: en

queue:
  size: 1024

scheduler:
  interval_seconds: 60

webhooks: []

rbac:
  roles:
    user:
      description: "Works on tasks assigned to them"
      permissions:
        - GET:TASK:ORG
        - CREATE:TASK:ORG
        - TRANSITION:TASK:SELF
        - DELAY:TASK:SELF
        - ASSIGN:TASK:SELF
        - DROP:TASK:SELF
        - UPDATE:TASK:SELF
        - GET:USER:ORG
        - UPDATE:USER:SELF
        - GET:LABEL:ORG
    manager:
      description: "Delegates and supervises tasks in the organisation"
      permissions:
        - GET:TASK:ORG
        - CREATE:TASK:ORG
        - TRANSITION:TASK:ORG
        - DELAY:TASK:ORG
        - ASSIGN:TASK:ORG
        - DROP:TASK:ORG
        - UPDATE:TASK:ORG
        - GET:USER:ORG
        - UPDATE:USER:SELF
        - GET:ROLES:ORG
        - GET:LABEL:ORG
        - CREATE:LABEL:ORG
    admin:
      description: "Administers the organisation"
      permissions:
        - GET:TASK:ORG
        - CREATE:TASK:ORG
        - TRANSITION:TASK:ORG
        - DELAY:TASK:ORG
        - ASSIGN:TASK:ORG
        - DROP:TASK:ORG
        - UPDATE:TASK:ORG
        - GET:USER:ORG
        - CREATE:USER:ORG
        - UPDATE:USER:ORG
        - ENABLE:USER:ORG
        - DISABLE:USER:ORG
        - GET:ROLES:ORG
        - ASSIGN:ROLES:ORG
        - GET:LABEL:ORG
        - CREATE:LABEL:ORG
        - GET:ORGANISATION:ORG
        - UPDATE:ORGANISATION:ORG
    superadmin:
      description: "Operates the whole installation"
      permissions:
        - GET:TASK:GLOBAL
        - CREATE:TASK:GLOBAL
        - TRANSITION:TASK:GLOBAL
        - DELAY:TASK:GLOBAL
        - ASSIGN:TASK:GLOBAL
        - DROP:TASK:GLOBAL
        - UPDATE:TASK:GLOBAL
        - GET:USER:GLOBAL
        - CREATE:USER:GLOBAL
        - UPDATE:USER:GLOBAL
        - ENABLE:USER:GLOBAL
        - DISABLE:USER:GLOBAL
        - GET:ROLES:GLOBAL
        - ASSIGN:ROLES:GLOBAL
        - GET:LABEL:GLOBAL
        - CREATE:LABEL:GLOBAL
        - GET:ORGANISATION:GLOBAL
        - CREATE:ORGANISATION:GLOBAL
        - UPDATE:ORGANISATION:GLOBAL
`
