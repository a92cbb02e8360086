package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"otwatch/models"
)

// Config is the full configuration tree. Values come from an optional
// YAML file overlaid with OTWATCH_* environment variables; validation
// failures are fatal at startup.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Broker      BrokerConfig      `yaml:"broker"`
	Database    DatabaseConfig    `yaml:"database"`
	SNMP        SNMPConfig        `yaml:"snmp"`
	Collector   CollectorConfig   `yaml:"collector"`
	Syslog      SyslogConfig      `yaml:"syslog"`
	NetFlow     NetFlowConfig     `yaml:"netflow"`
	OPCUA       OPCUAConfig       `yaml:"opcua"`
	Modbus      ModbusConfig      `yaml:"modbus"`
	Routing     RoutingConfig     `yaml:"routing"`
	ARP         ARPConfig         `yaml:"arp"`
	Security    SecurityConfig    `yaml:"security"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Zones       []models.ZoneDefinition `yaml:"zones"`
	SubnetHints []SubnetHint      `yaml:"subnet_hints"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Risk        RiskConfig        `yaml:"risk"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig identifies the process.
type AppConfig struct {
	Env      string `yaml:"env" validate:"oneof=development staging production"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	Name     string `yaml:"name" validate:"required"`
}

// BrokerConfig configures the MQTT transport.
type BrokerConfig struct {
	Endpoint        string        `yaml:"endpoint" validate:"required"`
	CACertPath      string        `yaml:"ca_cert_path" validate:"required"`
	ClientCertPath  string        `yaml:"client_cert_path" validate:"required"`
	ClientKeyPath   string        `yaml:"client_key_path" validate:"required"`
	KeepAlive       time.Duration `yaml:"keep_alive"`
	ReconnectPeriod time.Duration `yaml:"reconnect_period"`
	MaxReconnects   int           `yaml:"max_reconnects" validate:"min=1,max=100"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DatabaseConfig configures the persistence pool.
type DatabaseConfig struct {
	Host         string        `yaml:"host" validate:"required"`
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	Name         string        `yaml:"name" validate:"required"`
	User         string        `yaml:"user" validate:"required"`
	Password     string        `yaml:"password"`
	SSLMode      string        `yaml:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
	PoolSize     int           `yaml:"pool_size" validate:"min=1,max=200"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DSN renders a pgx connection string. The password never appears in
// logs; callers must not print the result.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// SNMPTarget is one polled SNMPv3 agent.
type SNMPTarget struct {
	Host         string `yaml:"host" validate:"required"`
	Port         int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	SecurityName string `yaml:"security_name" validate:"required"`
	AuthProtocol string `yaml:"auth_protocol" validate:"oneof=MD5 SHA SHA256 SHA384 SHA512"`
	AuthKey      string `yaml:"auth_key" validate:"min=8"`
	PrivProtocol string `yaml:"priv_protocol" validate:"oneof=DES AES AES256"`
	PrivKey      string `yaml:"priv_key" validate:"min=8"`
}

// SNMPConfig configures the SNMPv3 collector.
type SNMPConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SecurityLevel string        `yaml:"security_level" validate:"oneof=noAuthNoPriv authNoPriv authPriv"`
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries" validate:"min=0,max=10"`
	Targets       []SNMPTarget  `yaml:"targets" validate:"dive"`
}

// CollectorConfig bounds shared collector behavior.
type CollectorConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries" validate:"min=0,max=10"`
	BatchSize     int           `yaml:"batch_size" validate:"min=1,max=1000"`
	MaxConcurrent int           `yaml:"max_concurrent" validate:"min=1,max=100"`
	DrainWindow   time.Duration `yaml:"drain_window"`
}

// SyslogConfig configures the syslog listener.
type SyslogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	Protocol string `yaml:"protocol" validate:"oneof=udp tcp"`
}

// NetFlowConfig configures the NetFlow listener.
type NetFlowConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Port             int           `yaml:"port" validate:"min=1,max=65535"`
	AggregationWindow time.Duration `yaml:"aggregation_window"`
	PendingQueueSize int           `yaml:"pending_queue_size" validate:"min=1"`
	TemplateExpiry   time.Duration `yaml:"template_expiry"`
}

// OPCUANode is one monitored node on an endpoint.
type OPCUANode struct {
	NodeID string `yaml:"node_id" validate:"required"`
	Alias  string `yaml:"alias"`
}

// OPCUAEndpoint is one OPC-UA server to sample.
type OPCUAEndpoint struct {
	URL              string        `yaml:"url" validate:"required"`
	SecurityMode     string        `yaml:"security_mode" validate:"oneof=None Sign SignAndEncrypt"`
	SecurityPolicy   string        `yaml:"security_policy"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	Nodes            []OPCUANode   `yaml:"nodes" validate:"dive"`
}

// OPCUAConfig configures the OPC-UA collector.
type OPCUAConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Endpoints []OPCUAEndpoint `yaml:"endpoints" validate:"dive"`
}

// ModbusRegister is one declared register to read.
type ModbusRegister struct {
	Name     string  `yaml:"name" validate:"required"`
	Address  uint16  `yaml:"address"`
	Kind     string  `yaml:"kind" validate:"oneof=coil discrete holding input"`
	DataType string  `yaml:"data_type" validate:"oneof=uint16 int16 uint32 int32 float32 bool"`
	Count    uint16  `yaml:"count"`
	Scale    float64 `yaml:"scale"`
	Unit     string  `yaml:"unit"`
}

// ModbusTarget is one polled Modbus TCP device.
type ModbusTarget struct {
	Host      string           `yaml:"host" validate:"required"`
	Port      int              `yaml:"port" validate:"omitempty,min=1,max=65535"`
	UnitID    int              `yaml:"unit_id" validate:"min=0,max=255"`
	Registers []ModbusRegister `yaml:"registers" validate:"dive"`
}

// ModbusConfig configures the Modbus collector.
type ModbusConfig struct {
	Enabled bool           `yaml:"enabled"`
	Targets []ModbusTarget `yaml:"targets" validate:"dive"`
}

// RoutingConfig configures the routing-table collector.
type RoutingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ARPConfig configures the ARP collector.
type ARPConfig struct {
	Enabled bool `yaml:"enabled"`
	// Subnets restricts passive correlation; addresses are never probed.
	Subnets []string `yaml:"subnets" validate:"dive,cidr"`
}

// SecurityConfig carries process-wide secret handling settings.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key" validate:"required,min=32"`
	TLSMinVersion string `yaml:"tls_min_version" validate:"oneof=1.2 1.3"`
}

// AlertingConfig configures outbound alert notification.
type AlertingConfig struct {
	EmailEnabled   bool     `yaml:"email_enabled"`
	EmailTo        []string `yaml:"email_to" validate:"dive,email"`
	WebhookEnabled bool     `yaml:"webhook_enabled"`
	WebhookURL     string   `yaml:"webhook_url" validate:"omitempty,url"`
}

// SubnetHint biases classification for devices inside a CIDR.
type SubnetHint struct {
	CIDR  string             `yaml:"cidr" validate:"required,cidr"`
	Level models.PurdueLevel `yaml:"level" validate:"required"`
}

// CorrelationConfig bounds the correlation engine.
type CorrelationConfig struct {
	IPCacheSize       int           `yaml:"ip_cache_size" validate:"min=100000"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold int           `yaml:"snapshot_threshold" validate:"min=1"`
}

// RiskConfig bounds the risk analyzer.
type RiskConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// TelemetryConfig selects observability backends.
type TelemetryConfig struct {
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	MetricsBackend string  `yaml:"metrics_backend" validate:"oneof=prom otel noop"`
	MetricsAddr    string  `yaml:"metrics_addr"`
	HealthAddr     string  `yaml:"health_addr"`
	TraceSample    float64 `yaml:"trace_sample" validate:"min=0,max=100"`
}

// Defaults returns a Config with production-shaped defaults. Broker and
// database settings have no usable defaults and must be provided.
func Defaults() Config {
	return Config{
		App: AppConfig{Env: "development", LogLevel: "info", Name: "otwatch"},
		Broker: BrokerConfig{
			KeepAlive:       30 * time.Second,
			ReconnectPeriod: 5 * time.Second,
			MaxReconnects:   10,
			ConnectTimeout:  30 * time.Second,
		},
		Database: DatabaseConfig{
			Port:         5432,
			SSLMode:      "require",
			PoolSize:     10,
			QueryTimeout: 30 * time.Second,
		},
		SNMP: SNMPConfig{
			SecurityLevel: "authPriv",
			Timeout:       5 * time.Second,
			Retries:       2,
		},
		Collector: CollectorConfig{
			PollInterval:  60 * time.Second,
			FlushInterval: 5 * time.Second,
			Timeout:       10 * time.Second,
			Retries:       3,
			BatchSize:     100,
			MaxConcurrent: 10,
			DrainWindow:   30 * time.Second,
		},
		Syslog:  SyslogConfig{Port: 514, Protocol: "udp"},
		NetFlow: NetFlowConfig{Port: 2055, AggregationWindow: 60 * time.Second, PendingQueueSize: 10000, TemplateExpiry: 5 * time.Minute},
		Security: SecurityConfig{
			TLSMinVersion: "1.3",
		},
		Correlation: CorrelationConfig{
			IPCacheSize:       100000,
			SnapshotInterval:  5 * time.Minute,
			SnapshotThreshold: 50,
		},
		Risk:      RiskConfig{Interval: time.Hour},
		Telemetry: TelemetryConfig{MetricsBackend: "prom", TraceSample: 5},
	}
}

// Load reads the optional YAML file at path, overlays environment
// variables, and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, models.E(models.KindConfiguration, "config.load", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, models.E(models.KindConfiguration, "config.load", err)
		}
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate runs structural validation plus the cross-field rules the
// tag language cannot express.
func Validate(cfg Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return models.E(models.KindConfiguration, "config.validate", err)
	}
	if cfg.Collector.PollInterval < time.Second || cfg.Collector.PollInterval > time.Hour {
		return models.E(models.KindConfiguration, "config.validate",
			fmt.Errorf("collector poll_interval %s out of range 1s-1h", cfg.Collector.PollInterval))
	}
	if cfg.Collector.Timeout < time.Second || cfg.Collector.Timeout > 60*time.Second {
		return models.E(models.KindConfiguration, "config.validate",
			fmt.Errorf("collector timeout %s out of range 1s-60s", cfg.Collector.Timeout))
	}
	if cfg.App.Env == "production" && cfg.SNMP.Enabled && cfg.SNMP.SecurityLevel != "authPriv" {
		return models.E(models.KindConfiguration, "config.validate",
			fmt.Errorf("snmp security_level must be authPriv in production, got %q", cfg.SNMP.SecurityLevel))
	}
	return nil
}

// applyEnv overlays OTWATCH_* environment variables. Only enumerated
// options are recognized; unknown variables are ignored.
func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("OTWATCH_ENV", &cfg.App.Env)
	str("OTWATCH_LOG_LEVEL", &cfg.App.LogLevel)
	str("OTWATCH_APP_NAME", &cfg.App.Name)

	str("OTWATCH_BROKER_ENDPOINT", &cfg.Broker.Endpoint)
	str("OTWATCH_BROKER_CA_CERT", &cfg.Broker.CACertPath)
	str("OTWATCH_BROKER_CLIENT_CERT", &cfg.Broker.ClientCertPath)
	str("OTWATCH_BROKER_CLIENT_KEY", &cfg.Broker.ClientKeyPath)
	dur("OTWATCH_BROKER_KEEP_ALIVE", &cfg.Broker.KeepAlive)
	dur("OTWATCH_BROKER_RECONNECT_PERIOD", &cfg.Broker.ReconnectPeriod)

	str("OTWATCH_DB_HOST", &cfg.Database.Host)
	num("OTWATCH_DB_PORT", &cfg.Database.Port)
	str("OTWATCH_DB_NAME", &cfg.Database.Name)
	str("OTWATCH_DB_USER", &cfg.Database.User)
	str("OTWATCH_DB_PASSWORD", &cfg.Database.Password)
	str("OTWATCH_DB_SSL_MODE", &cfg.Database.SSLMode)
	num("OTWATCH_DB_POOL_SIZE", &cfg.Database.PoolSize)

	boolean("OTWATCH_SNMP_ENABLED", &cfg.SNMP.Enabled)
	str("OTWATCH_SNMP_SECURITY_LEVEL", &cfg.SNMP.SecurityLevel)
	dur("OTWATCH_SNMP_TIMEOUT", &cfg.SNMP.Timeout)
	num("OTWATCH_SNMP_RETRIES", &cfg.SNMP.Retries)

	dur("OTWATCH_COLLECTOR_POLL_INTERVAL", &cfg.Collector.PollInterval)
	num("OTWATCH_COLLECTOR_BATCH_SIZE", &cfg.Collector.BatchSize)
	num("OTWATCH_COLLECTOR_MAX_CONCURRENT", &cfg.Collector.MaxConcurrent)

	boolean("OTWATCH_SYSLOG_ENABLED", &cfg.Syslog.Enabled)
	num("OTWATCH_SYSLOG_PORT", &cfg.Syslog.Port)
	str("OTWATCH_SYSLOG_PROTOCOL", &cfg.Syslog.Protocol)

	boolean("OTWATCH_NETFLOW_ENABLED", &cfg.NetFlow.Enabled)
	num("OTWATCH_NETFLOW_PORT", &cfg.NetFlow.Port)

	str("OTWATCH_ENCRYPTION_KEY", &cfg.Security.EncryptionKey)
	str("OTWATCH_TLS_MIN_VERSION", &cfg.Security.TLSMinVersion)

	boolean("OTWATCH_METRICS_ENABLED", &cfg.Telemetry.MetricsEnabled)
	str("OTWATCH_METRICS_BACKEND", &cfg.Telemetry.MetricsBackend)
	str("OTWATCH_METRICS_ADDR", &cfg.Telemetry.MetricsAddr)
	str("OTWATCH_HEALTH_ADDR", &cfg.Telemetry.HealthAddr)
}

// Redacted returns a copy safe for logging: secrets replaced.
func (c Config) Redacted() Config {
	out := c
	if out.Database.Password != "" {
		out.Database.Password = "[redacted]"
	}
	if out.Security.EncryptionKey != "" {
		out.Security.EncryptionKey = "[redacted]"
	}
	for i := range out.SNMP.Targets {
		out.SNMP.Targets[i].AuthKey = "[redacted]"
		out.SNMP.Targets[i].PrivKey = "[redacted]"
	}
	return out
}

// String implements Stringer with redaction so accidental %v printing
// never leaks secrets.
func (c Config) String() string {
	b, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "config{}"
	}
	return strings.TrimSpace(string(b))
}
