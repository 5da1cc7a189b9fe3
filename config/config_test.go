package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  shipment_updated_topic_name: "shipments.updated"
redis:
  host: "localhost"
  port: 6379
shipcheck:
  visibility_timeout_seconds: 45
  adapter_timeout_seconds: 10
  breaker_store: "postgres"
carriers:
  - code: "ups"
    kind: "ups"
    base_url: "https://onlinetools.ups.example"
    api_key: "from-file"
  - code: "DHL"
    kind: "fake"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "shipments.updated", cfg.Kafka.ShipmentUpdatedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr())
	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=", cfg.Database.DSN())
	require.Len(t, cfg.Carriers, 2)
}

func TestLoad_DefaultsAndSecrets(t *testing.T) {
	t.Setenv("SHIPCHECK_UPS_API_KEY", "from-env")
	t.Setenv("SHIPCHECK_DATABASE_PASSWORD", "secret")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "from-env", cfg.Carriers[0].APIKey)
	require.Equal(t, "secret", cfg.Database.Password)
	require.Equal(t, "shipments.alerts", cfg.Kafka.AlertsTopicName)

	s := cfg.ShipCheck
	require.Equal(t, 3, s.BreakerFailureThreshold)
	require.Equal(t, 30*time.Minute, s.BreakerCooldown())
	require.Equal(t, 45*time.Second, s.VisibilityTimeout())
	require.Equal(t, 20*time.Second, s.BreakerTrialTimeout())
	require.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second, time.Minute}, s.Backoff())
	require.Equal(t, 10, cfg.Carriers[1].TimeoutSeconds)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{Carriers: []CarrierConfig{{Code: "UPS", Kind: CarrierKindFake}}}
		return c.WithDefaults()
	}

	t.Run("ok", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("adapter timeout must be shorter than visibility", func(t *testing.T) {
		c := base()
		c.ShipCheck.AdapterTimeoutSeconds = c.ShipCheck.VisibilityTimeoutSeconds
		require.ErrorContains(t, c.Validate(), "must be shorter")
	})

	t.Run("unknown carrier code", func(t *testing.T) {
		c := base()
		c.Carriers = append(c.Carriers, CarrierConfig{Code: "ROYALMAIL", Kind: CarrierKindFake})
		require.Error(t, c.Validate())
	})

	t.Run("duplicate carrier", func(t *testing.T) {
		c := base()
		c.Carriers = append(c.Carriers, CarrierConfig{Code: "ups", Kind: CarrierKindFake})
		require.ErrorContains(t, c.Validate(), "duplicate")
	})

	t.Run("http adapter needs base url", func(t *testing.T) {
		c := base()
		c.Carriers[0].Kind = CarrierKindUPS
		require.ErrorContains(t, c.Validate(), "base_url")
	})

	t.Run("unknown breaker store", func(t *testing.T) {
		c := base()
		c.ShipCheck.BreakerStore = "etcd"
		require.Error(t, c.Validate())
	})
}
