package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimal returns defaults completed with the required settings that
// have no usable default values.
func minimal() Config {
	cfg := Defaults()
	cfg.Broker.Endpoint = "ssl://broker.plant.local:8883"
	cfg.Broker.CACertPath = "/etc/otwatch/ca.pem"
	cfg.Broker.ClientCertPath = "/etc/otwatch/client.pem"
	cfg.Broker.ClientKeyPath = "/etc/otwatch/client-key.pem"
	cfg.Database.Host = "db.plant.local"
	cfg.Database.Name = "topology"
	cfg.Database.User = "otwatch"
	cfg.Security.EncryptionKey = "0123456789abcdef0123456789abcdef"
	return cfg
}

func TestValidateMinimal(t *testing.T) {
	assert.NoError(t, Validate(minimal()))
}

func TestValidateRejectsShortEncryptionKey(t *testing.T) {
	cfg := minimal()
	cfg.Security.EncryptionKey = "tooshort"
	assert.Error(t, Validate(cfg))
}

func TestValidatePollIntervalBounds(t *testing.T) {
	cfg := minimal()
	cfg.Collector.PollInterval = 500 * time.Millisecond
	assert.Error(t, Validate(cfg))

	cfg = minimal()
	cfg.Collector.PollInterval = 2 * time.Hour
	assert.Error(t, Validate(cfg))
}

func TestValidateProductionRequiresAuthPriv(t *testing.T) {
	cfg := minimal()
	cfg.App.Env = "production"
	cfg.SNMP.Enabled = true
	cfg.SNMP.SecurityLevel = "authNoPriv"
	assert.Error(t, Validate(cfg))

	cfg.SNMP.SecurityLevel = "authPriv"
	assert.NoError(t, Validate(cfg))
}

func TestValidateRejectsBadEnums(t *testing.T) {
	cfg := minimal()
	cfg.App.LogLevel = "verbose"
	assert.Error(t, Validate(cfg))

	cfg = minimal()
	cfg.Database.SSLMode = "maybe"
	assert.Error(t, Validate(cfg))

	cfg = minimal()
	cfg.Syslog.Protocol = "sctp"
	assert.Error(t, Validate(cfg))
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "otwatch.yaml")
	yaml := `
app:
  env: staging
  log_level: debug
  name: otwatch
broker:
  endpoint: ssl://broker:8883
  ca_cert_path: /certs/ca.pem
  client_cert_path: /certs/client.pem
  client_key_path: /certs/key.pem
database:
  host: db
  name: topology
  user: otwatch
  password: secret
security:
  encryption_key: 0123456789abcdef0123456789abcdef
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("OTWATCH_DB_HOST", "db-override")
	t.Setenv("OTWATCH_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.App.Env)
	assert.Equal(t, "warn", cfg.App.LogLevel, "environment wins over file")
	assert.Equal(t, "db-override", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port, "defaults fill unset values")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestSNMPTargetKeyLengths(t *testing.T) {
	cfg := minimal()
	cfg.SNMP.Targets = []SNMPTarget{{
		Host: "10.0.0.1", SecurityName: "poller",
		AuthProtocol: "SHA256", AuthKey: "short", // under 8 chars
		PrivProtocol: "AES", PrivKey: "longenough",
	}}
	assert.Error(t, Validate(cfg))
}

func TestRedactionNeverLeaksSecrets(t *testing.T) {
	cfg := minimal()
	cfg.Database.Password = "supersecret"
	cfg.SNMP.Targets = []SNMPTarget{{
		Host: "10.0.0.1", SecurityName: "poller",
		AuthProtocol: "SHA256", AuthKey: "authkey-123",
		PrivProtocol: "AES", PrivKey: "privkey-123",
	}}
	rendered := cfg.String()
	assert.False(t, strings.Contains(rendered, "supersecret"))
	assert.False(t, strings.Contains(rendered, "authkey-123"))
	assert.False(t, strings.Contains(rendered, "privkey-123"))
	assert.False(t, strings.Contains(rendered, cfg.Security.EncryptionKey))
	assert.True(t, strings.Contains(rendered, "[redacted]"))
}

func TestDefaultsMatchOperationalEnvelope(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 5*time.Second, cfg.Broker.ReconnectPeriod)
	assert.Equal(t, 10, cfg.Broker.MaxReconnects)
	assert.Equal(t, 2055, cfg.NetFlow.Port)
	assert.Equal(t, 10000, cfg.NetFlow.PendingQueueSize)
	assert.Equal(t, 5*time.Minute, cfg.NetFlow.TemplateExpiry)
	assert.Equal(t, 514, cfg.Syslog.Port)
	assert.Equal(t, 100000, cfg.Correlation.IPCacheSize)
	assert.Equal(t, 5*time.Minute, cfg.Correlation.SnapshotInterval)
	assert.Equal(t, 50, cfg.Correlation.SnapshotThreshold)
	assert.Equal(t, time.Hour, cfg.Risk.Interval)
	assert.Equal(t, 10, cfg.Database.PoolSize)
	assert.Equal(t, "authPriv", cfg.SNMP.SecurityLevel)
	assert.Equal(t, "1.3", cfg.Security.TLSMinVersion)
	assert.Equal(t, 30*time.Second, cfg.Collector.DrainWindow)
}
