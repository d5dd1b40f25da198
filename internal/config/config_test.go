package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vaultmesh/vaultmesh/internal/peer"
)

const validYAML = `
instance_id: inst-a
data_dir: /var/lib/vaultmesh
swim_port: 7900
api_port: 8900
seeds:
  - other-host:7946
theta_min: 0
theta_max: 6.5
health_check_interval: 30s
session:
  timeout_base: 10s
  timeout_per_entry: 5ms
  timeout_cap: 2m
consent:
  default: deny
  allow:
    - inst-b
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse("test.yaml", []byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "inst-a", cfg.InstanceID)
	assert.Equal(t, "/var/lib/vaultmesh", cfg.DataDir)
	assert.Equal(t, "0.0.0.0", cfg.BindAddr, "default survives overlay")
	assert.Equal(t, 7900, cfg.SwimPort)
	assert.Equal(t, 8900, cfg.APIPort)
	assert.Equal(t, []string{"other-host:7946"}, cfg.Seeds)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval.Std())

	tm := cfg.Timeouts()
	assert.Equal(t, 10*time.Second, tm.Base)
	assert.Equal(t, 5*time.Millisecond, tm.PerEntry)
	assert.Equal(t, 2*time.Minute, tm.Cap)

	policy, ok := cfg.ConsentPolicy().(peer.StaticPolicy)
	require.True(t, ok)
	assert.False(t, policy.Default)
	assert.Equal(t, []string{"inst-b"}, policy.Allow)

	swim := cfg.SwimConfig()
	assert.Equal(t, "inst-a", swim.NodeID)
	assert.Equal(t, 8900, swim.Meta.APIPort)
	assert.Equal(t, 6.5, swim.Meta.ThetaMax)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse("test.yaml", []byte("instance_id: inst-a\ndata_dir: /tmp/vm\n"))
	require.NoError(t, err)
	assert.Equal(t, 7946, cfg.SwimPort)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 5*time.Minute, cfg.HealthCheckInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Timeouts().Base)

	_, allowAll := cfg.ConsentPolicy().(peer.AllowAll)
	assert.True(t, allowAll, "permissive default consent")
}

func TestSchemaRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad instance id":   "instance_id: \"has spaces\"\ndata_dir: /tmp\n",
		"port out of range": "instance_id: inst-a\ndata_dir: /tmp\napi_port: 99999\n",
		"bad duration":      "instance_id: inst-a\ndata_dir: /tmp\nhealth_check_interval: soon\n",
		"bad consent":       "instance_id: inst-a\ndata_dir: /tmp\nconsent: {default: maybe}\n",
		"empty data dir":    "instance_id: inst-a\ndata_dir: \"\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("test.yaml", []byte(doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse("test.yaml", []byte(":\n  - not yaml: ["))
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "inst-a", cfg.InstanceID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDurationUnmarshal(t *testing.T) {
	var cfg struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 1500ms"), &cfg))
	assert.Equal(t, 1500*time.Millisecond, cfg.D.Std())

	require.Error(t, yaml.Unmarshal([]byte("d: fast"), &cfg))
}
