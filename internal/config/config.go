package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"loopline/internal/domain"
)

const FileName = "loopline.yml"

// Config models loopline.yml.
type Config struct {
	Definitions struct {
		Skills   []string `yaml:"skills"`
		Loops    []string `yaml:"loops"`
		Watch    bool     `yaml:"watch"`
		Debounce string   `yaml:"debounce"`
	} `yaml:"definitions"`
	Aggregation struct {
		RequireSkillGuarantees bool `yaml:"require_skill_guarantees"`
		IncludeOptional        bool `yaml:"include_optional"`
	} `yaml:"aggregation"`
	Defaults struct {
		Mode     string         `yaml:"mode"`
		Autonomy string         `yaml:"autonomy"`
		UI       map[string]any `yaml:"ui"`
	} `yaml:"defaults"`
	Conditions struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"conditions"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads loopline.yml from the workspace, falling back to defaults when
// the file is absent, then applies LOOPLINE_* environment overrides.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
	}
	applyEnv(cfg, envViper())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Definitions.Skills) == 0 {
		return fmt.Errorf("config.definitions.skills is required")
	}
	if len(c.Definitions.Loops) == 0 {
		return fmt.Errorf("config.definitions.loops is required")
	}
	for _, d := range append(append([]string{}, c.Definitions.Skills...), c.Definitions.Loops...) {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("config.definitions contains an empty directory")
		}
	}
	if _, err := parseDuration(c.Definitions.Debounce); err != nil {
		return fmt.Errorf("config.definitions.debounce: %w", err)
	}
	if _, err := parseDuration(c.Conditions.Timeout); err != nil {
		return fmt.Errorf("config.conditions.timeout: %w", err)
	}
	if m := c.Defaults.Mode; m != "" && !domain.Mode(m).Valid() {
		return fmt.Errorf("config.defaults.mode must be greenfield or brownfield")
	}
	if a := c.Defaults.Autonomy; a != "" && !domain.Autonomy(a).Valid() {
		return fmt.Errorf("config.defaults.autonomy must be supervised or autonomous")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// SkillDirs returns the skill directories resolved against workspace.
func (c *Config) SkillDirs(workspace string) []string {
	return resolveDirs(workspace, c.Definitions.Skills)
}

// LoopDirs returns the loop directories resolved against workspace.
func (c *Config) LoopDirs(workspace string) []string {
	return resolveDirs(workspace, c.Definitions.Loops)
}

func (c *Config) DebounceDuration() time.Duration {
	d, _ := parseDuration(c.Definitions.Debounce)
	if d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

func (c *Config) ConditionTimeout() time.Duration {
	d, _ := parseDuration(c.Conditions.Timeout)
	return d
}

func resolveDirs(workspace string, dirs []string) []string {
	if workspace == "" {
		workspace = "."
	}
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if filepath.IsAbs(d) {
			out = append(out, filepath.Clean(d))
			continue
		}
		out = append(out, filepath.Join(workspace, d))
	}
	return out
}

func parseDuration(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left
// out of the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the effective config.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func envViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LOOPLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyEnv overlays LOOPLINE_<SECTION>_<KEY> variables, e.g. LOOPLINE_SERVER_ADDR.
func applyEnv(c *Config, v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	list := func(key string, dst *[]string) {
		if v.IsSet(key) {
			*dst = splitList(v.GetString(key))
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	list("definitions.skills", &c.Definitions.Skills)
	list("definitions.loops", &c.Definitions.Loops)
	flag("definitions.watch", &c.Definitions.Watch)
	str("definitions.debounce", &c.Definitions.Debounce)
	flag("aggregation.require_skill_guarantees", &c.Aggregation.RequireSkillGuarantees)
	flag("aggregation.include_optional", &c.Aggregation.IncludeOptional)
	str("defaults.mode", &c.Defaults.Mode)
	str("defaults.autonomy", &c.Defaults.Autonomy)
	str("conditions.timeout", &c.Conditions.Timeout)
	str("server.addr", &c.Server.Addr)
	str("server.base_path", &c.Server.BasePath)
	str("server.jwt_secret", &c.Server.JWTSecret)
	str("log.level", &c.Log.Level)
	str("log.format", &c.Log.Format)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const defaultTemplate = `definitions:
  skills: [skills]
  loops: [loops]
  watch: true
  debounce: 250ms

aggregation:
  require_skill_guarantees: false
  include_optional: false

defaults:
  mode: greenfield
  autonomy: supervised

conditions:
  timeout: 250ms

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""

log:
  level: info
  format: text
`
