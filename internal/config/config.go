package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config models bajas.yml: the issuing municipality and the policies that govern
// numbering, finalization and resolution for its disposal cases.
type Config struct {
	Municipality struct {
		Code string `yaml:"code"`
		Name string `yaml:"name"`
	} `yaml:"municipality"`
	Numbering struct {
		FilePrefix       string `yaml:"file_prefix"`
		ResolutionPrefix string `yaml:"resolution_prefix"`
		MaxAttempts      int    `yaml:"max_attempts"`
	} `yaml:"numbering"`
	Finalize struct {
		MaxAttempts      int `yaml:"max_attempts"`
		InitialBackoffMS int `yaml:"initial_backoff_ms"`
	} `yaml:"finalize"`
	Resolution struct {
		RequireOpinions bool `yaml:"require_opinions"`
	} `yaml:"resolution"`
	RBAC struct {
		ApprovalRole string              `yaml:"approval_role"`
		Roles        map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type RBACRole struct {
	Description string `yaml:"description"`
}

var municipalityCodeRe = regexp.MustCompile(`^[A-Z0-9]{2,12}$`)

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with bajas municipality config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Municipality.Code == "" {
		return fmt.Errorf("config.municipality.code is required")
	}
	if !municipalityCodeRe.MatchString(c.Municipality.Code) {
		return fmt.Errorf("config.municipality.code %q must be 2-12 uppercase letters or digits", c.Municipality.Code)
	}
	if c.Numbering.FilePrefix == "" {
		return fmt.Errorf("config.numbering.file_prefix is required")
	}
	if c.Numbering.ResolutionPrefix == "" {
		return fmt.Errorf("config.numbering.resolution_prefix is required")
	}
	if c.Numbering.MaxAttempts <= 0 {
		return fmt.Errorf("config.numbering.max_attempts must be positive")
	}
	if c.Finalize.MaxAttempts <= 0 {
		return fmt.Errorf("config.finalize.max_attempts must be positive")
	}
	if c.Finalize.InitialBackoffMS < 0 {
		return fmt.Errorf("config.finalize.initial_backoff_ms must not be negative")
	}
	if c.RBAC.ApprovalRole == "" {
		return fmt.Errorf("config.rbac.approval_role is required")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles[c.RBAC.ApprovalRole]; !ok {
			return fmt.Errorf("config.rbac.roles must include approval role %s", c.RBAC.ApprovalRole)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bajas.yml")
}

// GenerateDefault returns default config YAML for a municipality.
func GenerateDefault(code string) string {
	return fmt.Sprintf(defaultTemplate, code, code)
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

// Default returns the default Config struct for a municipality.
func Default(code string) *Config {
	var cfg Config
	cfg.Municipality.Code = code
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(code))).Decode(&cfg)
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

const defaultTemplate = `municipality:
  code: %s
  name: Municipality %s

numbering:
  file_prefix: EXP-BAJA
  resolution_prefix: RES-BAJA
  max_attempts: 5

finalize:
  max_attempts: 4
  initial_backoff_ms: 200

resolution:
  require_opinions: false

rbac:
  approval_role: finance-approver
  roles:
    finance-approver:
      description: "May resolve and finalize disposal cases"
    evaluator:
      description: "May record technical opinions"
    registrar:
      description: "May open cases and attach assets"
`
