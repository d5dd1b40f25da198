// Package config loads the instance configuration: a YAML file
// validated against an embedded CUE schema before it is decoded, so a
// malformed config fails at startup with a positioned error instead
// of surfacing as odd runtime behavior.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/vaultmesh/vaultmesh/internal/peer"
	"github.com/vaultmesh/vaultmesh/internal/session"
)

//go:embed schema.cue
var schemaSource string

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SessionConfig tunes the per-session deadline.
type SessionConfig struct {
	TimeoutBase     Duration `yaml:"timeout_base"`
	TimeoutPerEntry Duration `yaml:"timeout_per_entry"`
	TimeoutCap      Duration `yaml:"timeout_cap"`
}

// ConsentConfig is the static consent policy.
type ConsentConfig struct {
	Default string   `yaml:"default"` // "allow" or "deny"
	Allow   []string `yaml:"allow"`
	Deny    []string `yaml:"deny"`
}

// Config is the full instance configuration.
type Config struct {
	InstanceID string   `yaml:"instance_id"`
	DataDir    string   `yaml:"data_dir"`
	BindAddr   string   `yaml:"bind_addr"`
	SwimPort   int      `yaml:"swim_port"`
	APIPort    int      `yaml:"api_port"`
	Seeds      []string `yaml:"seeds"`

	ThetaMin float64 `yaml:"theta_min"`
	ThetaMax float64 `yaml:"theta_max"`

	HealthCheckInterval Duration      `yaml:"health_check_interval"`
	Session             SessionConfig `yaml:"session"`
	Consent             ConsentConfig `yaml:"consent"`
}

// Default returns the configuration defaults; Load overlays the file
// on top of them.
func Default() Config {
	return Config{
		BindAddr:            "0.0.0.0",
		SwimPort:            7946,
		APIPort:             8080,
		HealthCheckInterval: Duration(5 * time.Minute),
		Session: SessionConfig{
			TimeoutBase:     Duration(session.DefaultTimeouts.Base),
			TimeoutPerEntry: Duration(session.DefaultTimeouts.PerEntry),
			TimeoutCap:      Duration(session.DefaultTimeouts.Cap),
		},
		Consent: ConsentConfig{Default: "allow"},
	}
}

// Load reads, validates, and decodes a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates raw YAML against the schema and decodes it over the
// defaults.
func Parse(filename string, data []byte) (Config, error) {
	if err := validate(filename, data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	// Schema validation is structural; requiredness of absent fields is
	// checked here because the document is allowed to be incomplete
	// during unification.
	if cfg.InstanceID == "" {
		return Config{}, fmt.Errorf("invalid config: instance_id is required")
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("invalid config: data_dir is required")
	}
	return cfg, nil
}

// validate unifies the YAML document with #Config and reports every
// constraint violation, not just the first.
func validate(filename string, data []byte) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("internal: compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("internal: lookup #Config: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("invalid config: %s", cueerrors.Details(err, nil))
	}
	return nil
}

// Timeouts converts the session knobs.
func (c Config) Timeouts() session.Timeouts {
	return session.Timeouts{
		Base:     c.Session.TimeoutBase.Std(),
		PerEntry: c.Session.TimeoutPerEntry.Std(),
		Cap:      c.Session.TimeoutCap.Std(),
	}
}

// ConsentPolicy converts the consent block into a peer policy.
func (c Config) ConsentPolicy() peer.Consent {
	if c.Consent.Default == "allow" && len(c.Consent.Allow) == 0 && len(c.Consent.Deny) == 0 {
		return peer.AllowAll{}
	}
	return peer.StaticPolicy{
		Default: c.Consent.Default != "deny",
		Allow:   c.Consent.Allow,
		Deny:    c.Consent.Deny,
	}
}

// SwimConfig converts the discovery block.
func (c Config) SwimConfig() peer.SwimConfig {
	return peer.SwimConfig{
		NodeID:   c.InstanceID,
		BindAddr: c.BindAddr,
		BindPort: c.SwimPort,
		Seeds:    c.Seeds,
		Meta: peer.NodeMeta{
			APIPort:  c.APIPort,
			ThetaMin: c.ThetaMin,
			ThetaMax: c.ThetaMax,
		},
	}
}
