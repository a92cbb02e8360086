package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DeviceType identifies the functional role of a discovered device.
type DeviceType string

const (
	TypeSensor     DeviceType = "sensor"
	TypeActuator   DeviceType = "actuator"
	TypePLC        DeviceType = "plc"
	TypeRTU        DeviceType = "rtu"
	TypeDCS        DeviceType = "dcs"
	TypeController DeviceType = "controller"
	TypeSCADA      DeviceType = "scada_server"
	TypeHMI        DeviceType = "hmi"
	TypeHistorian  DeviceType = "historian"
	TypeMES        DeviceType = "mes"
	TypeSwitch     DeviceType = "switch"
	TypeRouter     DeviceType = "router"
	TypeFirewall   DeviceType = "firewall"
	TypeGateway    DeviceType = "gateway"
	TypeDataDiode  DeviceType = "data_diode"
	TypeJumpServer DeviceType = "jump_server"
	TypeUnknown    DeviceType = "unknown"
)

// PurdueLevel is the Purdue reference model level of a device. Levels 0
// through 5 plus the industrial DMZ.
type PurdueLevel string

const (
	Level0   PurdueLevel = "0" // physical process
	Level1   PurdueLevel = "1" // basic control
	Level2   PurdueLevel = "2" // supervisory control
	Level3   PurdueLevel = "3" // operations management
	Level4   PurdueLevel = "4" // business planning
	Level5   PurdueLevel = "5" // enterprise
	LevelDMZ PurdueLevel = "dmz"
)

// SecurityZone groups devices with uniform trust and policy. The mapping
// from Purdue level is fixed; see ZoneForLevel.
type SecurityZone string

const (
	ZoneProcess     SecurityZone = "process"
	ZoneControl     SecurityZone = "control"
	ZoneSupervisory SecurityZone = "supervisory"
	ZoneOperations  SecurityZone = "operations"
	ZoneEnterprise  SecurityZone = "enterprise"
	ZoneDMZ         SecurityZone = "dmz"
	ZoneUntrusted   SecurityZone = "untrusted"
)

// ZoneForLevel derives the security zone from a Purdue level.
func ZoneForLevel(l PurdueLevel) SecurityZone {
	switch l {
	case Level0:
		return ZoneProcess
	case Level1:
		return ZoneControl
	case Level2:
		return ZoneSupervisory
	case Level3:
		return ZoneOperations
	case Level4, Level5:
		return ZoneEnterprise
	case LevelDMZ:
		return ZoneDMZ
	}
	return ZoneUntrusted
}

// TrustLevel returns the numeric trust ordering of a zone. Higher numbers
// carry more trust; cross-zone policy compares these.
func (z SecurityZone) TrustLevel() int {
	switch z {
	case ZoneUntrusted:
		return 0
	case ZoneProcess:
		return 1
	case ZoneControl:
		return 2
	case ZoneSupervisory:
		return 3
	case ZoneOperations:
		return 4
	case ZoneDMZ:
		return 5
	case ZoneEnterprise:
		return 6
	}
	return 0
}

// DeviceStatus is the operational state of a device.
type DeviceStatus string

const (
	StatusOnline      DeviceStatus = "online"
	StatusOffline     DeviceStatus = "offline"
	StatusDegraded    DeviceStatus = "degraded"
	StatusMaintenance DeviceStatus = "maintenance"
	StatusUnknown     DeviceStatus = "unknown"
)

// NetworkInterface is one physical or logical interface of a device. MAC
// is stored in canonical lowercase colon form.
type NetworkInterface struct {
	Name        string `json:"name"`
	MAC         string `json:"mac"`
	IPv4        string `json:"ipv4,omitempty"`
	Netmask     string `json:"netmask,omitempty"`
	Gateway     string `json:"gateway,omitempty"`
	VLAN        int    `json:"vlan,omitempty"`
	SpeedMbps   uint64 `json:"speed_mbps,omitempty"`
	Duplex      string `json:"duplex,omitempty"`
	AdminStatus string `json:"admin_status,omitempty"`
	OperStatus  string `json:"oper_status,omitempty"`
}

// Device is a discovered OT/IT asset. Identity is assigned at first
// observation and is stable across the device lifetime.
type Device struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Hostname     string             `json:"hostname,omitempty"`
	Type         DeviceType         `json:"type"`
	Vendor       string             `json:"vendor,omitempty"`
	Model        string             `json:"model,omitempty"`
	Firmware     string             `json:"firmware,omitempty"`
	Serial       string             `json:"serial,omitempty"`
	PurdueLevel  PurdueLevel        `json:"purdue_level"`
	Zone         SecurityZone       `json:"security_zone"`
	Status       DeviceStatus       `json:"status"`
	Interfaces   []NetworkInterface `json:"interfaces,omitempty"`
	Location     string             `json:"location,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	DiscoveredAt time.Time          `json:"discovered_at"`
	LastSeenAt   time.Time          `json:"last_seen_at"`
}

// InterfaceByMAC returns the interface carrying mac (canonical compare),
// or nil.
func (d *Device) InterfaceByMAC(mac string) *NetworkInterface {
	canon, err := CanonicalMAC(mac)
	if err != nil {
		return nil
	}
	for i := range d.Interfaces {
		if d.Interfaces[i].MAC == canon {
			return &d.Interfaces[i]
		}
	}
	return nil
}

// Touch advances LastSeenAt, never letting it run backwards.
func (d *Device) Touch(at time.Time) {
	if at.After(d.LastSeenAt) {
		d.LastSeenAt = at
	}
}

// ConnectionType classifies the physical or logical link of a connection.
type ConnectionType string

const (
	ConnEthernet ConnectionType = "ethernet"
	ConnSerial   ConnectionType = "serial"
	ConnModbus   ConnectionType = "modbus"
	ConnProfinet ConnectionType = "profinet"
	ConnProfibus ConnectionType = "profibus"
	ConnFieldbus ConnectionType = "fieldbus"
	ConnWireless ConnectionType = "wireless"
	ConnFiber    ConnectionType = "fiber"
	ConnUnknown  ConnectionType = "unknown"
)

// ConnectionMetadata carries traffic counters and industrial-protocol
// recognition for a connection.
type ConnectionMetadata struct {
	Bytes              uint64 `json:"bytes,omitempty"`
	Packets            uint64 `json:"packets,omitempty"`
	IsIndustrial       bool   `json:"is_industrial,omitempty"`
	IndustrialProtocol string `json:"industrial_protocol,omitempty"`
}

// Connection is a directed edge between two distinct devices.
type Connection struct {
	ID            string             `json:"id"`
	SourceID      string             `json:"source_device_id"`
	TargetID      string             `json:"target_device_id"`
	Type          ConnectionType     `json:"type"`
	Protocol      string             `json:"protocol,omitempty"`
	Port          int                `json:"port,omitempty"`
	VLAN          int                `json:"vlan,omitempty"`
	BandwidthMbps uint64             `json:"bandwidth_mbps,omitempty"`
	LatencyMs     float64            `json:"latency_ms,omitempty"`
	IsSecure      bool               `json:"is_secure"`
	Encryption    string             `json:"encryption,omitempty"`
	FirstSeenAt   time.Time          `json:"first_seen_at"`
	LastSeenAt    time.Time          `json:"last_seen_at"`
	Metadata      ConnectionMetadata `json:"metadata,omitempty"`
}

// Validate checks the structural invariants of a connection.
func (c *Connection) Validate() error {
	if c.SourceID == "" || c.TargetID == "" {
		return E(KindValidation, "connection", fmt.Errorf("both endpoint ids required"))
	}
	if c.SourceID == c.TargetID {
		return E(KindValidation, "connection", fmt.Errorf("endpoints must be distinct devices"))
	}
	if c.Port != 0 {
		if err := ValidatePort(c.Port); err != nil {
			return err
		}
	}
	if c.VLAN != 0 {
		if err := ValidateVLAN(c.VLAN); err != nil {
			return err
		}
	}
	return nil
}

// AlertType enumerates the categories of raised alerts.
type AlertType string

const (
	AlertSecurity            AlertType = "security"
	AlertConnectivity        AlertType = "connectivity"
	AlertCompliance          AlertType = "compliance"
	AlertPerformance         AlertType = "performance"
	AlertConfiguration       AlertType = "configuration"
	AlertDeviceOffline       AlertType = "device_offline"
	AlertInsecureProtocol    AlertType = "insecure_protocol"
	AlertCrossZoneConnection AlertType = "cross_zone_connection"
	AlertNewDevice           AlertType = "new_device"
	AlertFirmwareOutdated    AlertType = "firmware_outdated"
	AlertConfigurationChange AlertType = "configuration_change"
	AlertSecurityViolation   AlertType = "security_violation"
)

// AlertSeverity orders alerts by urgency.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityHigh     AlertSeverity = "high"
	SeverityMedium   AlertSeverity = "medium"
	SeverityLow      AlertSeverity = "low"
	SeverityInfo     AlertSeverity = "info"
)

// Alert is an append-only pipeline finding. Acknowledgement and
// resolution come from external user actions.
type Alert struct {
	ID             string            `json:"id"`
	Type           AlertType         `json:"type"`
	Severity       AlertSeverity     `json:"severity"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	DeviceID       string            `json:"device_id,omitempty"`
	ConnectionID   string            `json:"connection_id,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	Remediation    string            `json:"remediation,omitempty"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	Resolved       bool              `json:"resolved"`
	ResolvedBy     string            `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// FirewallRule is one documented rule attached to a zone definition.
type FirewallRule struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	Protocol    string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty"`
	Action      string `json:"action" yaml:"action"`
}

// ZoneDefinition documents a configured security zone and its subnets.
type ZoneDefinition struct {
	Name          string         `json:"name" yaml:"name"`
	PurdueLevel   PurdueLevel    `json:"purdue_level" yaml:"purdue_level"`
	Zone          SecurityZone   `json:"security_zone" yaml:"security_zone"`
	Subnets       []string       `json:"subnets" yaml:"subnets"`
	FirewallRules []FirewallRule `json:"firewall_rules,omitempty" yaml:"firewall_rules,omitempty"`
}

// SnapshotSummary carries aggregate counts for a topology snapshot.
type SnapshotSummary struct {
	DeviceCount     int           `json:"device_count"`
	ConnectionCount int           `json:"connection_count"`
	ZoneCount       int           `json:"zone_count"`
	Duration        time.Duration `json:"collection_duration"`
	Sources         []string      `json:"sources,omitempty"`
}

// TopologySnapshot is an immutable, consistent capture of the graph at a
// single logical instant.
type TopologySnapshot struct {
	ID          string           `json:"id"`
	Timestamp   time.Time        `json:"timestamp"`
	Devices     []Device         `json:"devices"`
	Connections []Connection     `json:"connections"`
	Zones       []ZoneDefinition `json:"zones,omitempty"`
	Summary     SnapshotSummary  `json:"summary"`
}

// RiskCategory buckets risk factors.
type RiskCategory string

const (
	RiskVulnerability RiskCategory = "vulnerability"
	RiskConfiguration RiskCategory = "configuration"
	RiskExposure      RiskCategory = "exposure"
	RiskCompliance    RiskCategory = "compliance"
)

// RiskFactor is one weighted component of a device risk assessment.
type RiskFactor struct {
	Name        string       `json:"name"`
	Category    RiskCategory `json:"category"`
	Score       float64      `json:"score"`  // 0-100
	Weight      float64      `json:"weight"` // 0-1
	Description string       `json:"description,omitempty"`
}

// RiskAssessment is the scored risk posture of one device. The overall
// score is the rounded weighted sum of the factors; factor weights must
// sum to 1.0 within 0.01.
type RiskAssessment struct {
	DeviceID        string       `json:"device_id"`
	OverallScore    int          `json:"overall_score"`
	Factors         []RiskFactor `json:"factors"`
	Recommendations []string     `json:"recommendations,omitempty"`
	LastAssessedAt  time.Time    `json:"last_assessed_at"`
}

// Validate checks score bounds and the weight-sum invariant.
func (r *RiskAssessment) Validate() error {
	if r.OverallScore < 0 || r.OverallScore > 100 {
		return E(KindValidation, "risk", fmt.Errorf("overall score %d out of range", r.OverallScore))
	}
	sum := 0.0
	for _, f := range r.Factors {
		if f.Score < 0 || f.Score > 100 {
			return E(KindValidation, "risk", fmt.Errorf("factor %q score %.1f out of range", f.Name, f.Score))
		}
		if f.Weight < 0 || f.Weight > 1 {
			return E(KindValidation, "risk", fmt.Errorf("factor %q weight %.2f out of range", f.Name, f.Weight))
		}
		sum += f.Weight
	}
	if len(r.Factors) > 0 && (sum < 0.99 || sum > 1.01) {
		return E(KindValidation, "risk", fmt.Errorf("factor weights sum %.3f, want 1.0±0.01", sum))
	}
	return nil
}

var macSeparators = strings.NewReplacer("-", "", ":", "", ".", "")

var macHex = regexp.MustCompile(`^[0-9a-f]{12}$`)

// CanonicalMAC normalizes a MAC address into lowercase colon-separated
// form. Accepts colon, dash, dot-grouped, and bare-hex inputs. The
// canonicalization is idempotent and case-insensitive.
func CanonicalMAC(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = macSeparators.Replace(s)
	if !macHex.MatchString(s) {
		return "", E(KindValidation, "mac", fmt.Errorf("invalid MAC address %q", raw))
	}
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(s[i : i+2])
	}
	return b.String(), nil
}

// OUI returns the vendor prefix (first three octets) of a canonical MAC.
func OUI(canonicalMAC string) string {
	if len(canonicalMAC) < 8 {
		return ""
	}
	return canonicalMAC[:8]
}

// ValidatePort rejects ports outside 1-65535.
func ValidatePort(p int) error {
	if p < 1 || p > 65535 {
		return E(KindValidation, "port", fmt.Errorf("port %d out of range 1-65535", p))
	}
	return nil
}

// ValidateVLAN rejects VLAN ids outside 1-4094.
func ValidateVLAN(v int) error {
	if v < 1 || v > 4094 {
		return E(KindValidation, "vlan", fmt.Errorf("vlan %d out of range 1-4094", v))
	}
	return nil
}

// ValidSyslogSeverity reports whether s is a legal syslog severity (0-7).
func ValidSyslogSeverity(s int) bool { return s >= 0 && s <= 7 }

// ValidSyslogFacility reports whether f is a legal syslog facility (0-23).
func ValidSyslogFacility(f int) bool { return f >= 0 && f <= 23 }
