package models

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// TelemetrySource identifies which collector produced a record.
type TelemetrySource string

const (
	SourceSNMP     TelemetrySource = "snmp"
	SourceARP      TelemetrySource = "arp"
	SourceMACTable TelemetrySource = "mac_table"
	SourceNetFlow  TelemetrySource = "netflow"
	SourceSyslog   TelemetrySource = "syslog"
	SourceRouting  TelemetrySource = "routing"
	SourceOPCUA    TelemetrySource = "opcua"
	SourceModbus   TelemetrySource = "modbus"
	SourceManual   TelemetrySource = "manual"
)

// Payload is the typed data carried by a telemetry record. One concrete
// implementation exists per TelemetrySource; records reject payloads
// whose Source disagrees with the record source tag.
type Payload interface {
	Source() TelemetrySource
	Validate() error
}

// TelemetryRecord is the immutable unit flowing through the pipeline.
// Once persisted it is marked processed and becomes read-only.
type TelemetryRecord struct {
	ID        string            `json:"id"`
	Source    TelemetrySource   `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Data      Payload           `json:"data"`
	Raw       []byte            `json:"raw,omitempty"`
	Processed bool              `json:"processed"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewRecord builds a validated record around a payload. The source tag is
// taken from the payload itself; the id is a fresh v4 UUID.
func NewRecord(data Payload, at time.Time) (TelemetryRecord, error) {
	if data == nil {
		return TelemetryRecord{}, E(KindValidation, "record", fmt.Errorf("nil payload"))
	}
	if err := data.Validate(); err != nil {
		return TelemetryRecord{}, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return TelemetryRecord{
		ID:        uuid.NewString(),
		Source:    data.Source(),
		Timestamp: at.UTC(),
		Data:      data,
	}, nil
}

type recordWire struct {
	ID        string            `json:"id"`
	Source    TelemetrySource   `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Raw       []byte            `json:"raw,omitempty"`
	Processed bool              `json:"processed"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes the payload into the concrete type selected by
// the record's source tag.
func (r *TelemetryRecord) UnmarshalJSON(b []byte) error {
	var w recordWire
	if err := json.Unmarshal(b, &w); err != nil {
		return E(KindValidation, "record", err)
	}
	data, err := decodePayload(w.Source, w.Data)
	if err != nil {
		return err
	}
	r.ID = w.ID
	r.Source = w.Source
	r.Timestamp = w.Timestamp
	r.Data = data
	r.Raw = w.Raw
	r.Processed = w.Processed
	r.Metadata = w.Metadata
	return nil
}

func decodePayload(src TelemetrySource, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch src {
	case SourceSNMP:
		p = &SNMPPayload{}
	case SourceARP, SourceMACTable:
		p = &ARPPayload{}
	case SourceNetFlow:
		p = &FlowPayload{}
	case SourceSyslog:
		p = &SyslogPayload{}
	case SourceRouting:
		p = &RoutingPayload{}
	case SourceOPCUA:
		p = &OPCUAPayload{}
	case SourceModbus:
		p = &ModbusPayload{}
	case SourceManual:
		p = &ManualPayload{}
	default:
		return nil, E(KindValidation, "record", fmt.Errorf("unknown telemetry source %q", src))
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, E(KindValidation, "record", err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// SNMPInterface is one row of the interface table walk.
type SNMPInterface struct {
	Index       int    `json:"index"`
	Descr       string `json:"descr,omitempty"`
	IfType      int    `json:"if_type,omitempty"`
	SpeedBps    uint64 `json:"speed_bps,omitempty"`
	PhysAddress string `json:"phys_address,omitempty"`
	AdminStatus int    `json:"admin_status,omitempty"` // 1=up 2=down 3=testing
	OperStatus  int    `json:"oper_status,omitempty"`  // 1..7 per IF-MIB
	InOctets    uint64 `json:"in_octets,omitempty"`
	OutOctets   uint64 `json:"out_octets,omitempty"`
	IPv4        string `json:"ipv4,omitempty"`
	Netmask     string `json:"netmask,omitempty"`
}

// ARPEntry is one IP/MAC binding observed in an ARP or ipNetToMedia table.
type ARPEntry struct {
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	Interface string `json:"interface,omitempty"`
	VLAN      int    `json:"vlan,omitempty"`
	EntryType string `json:"entry_type,omitempty"` // dynamic | static
	AgeSec    int    `json:"age_sec,omitempty"`
}

func (e ARPEntry) validate() error {
	if net.ParseIP(e.IP) == nil {
		return E(KindValidation, "arp", fmt.Errorf("invalid IP %q", e.IP))
	}
	if _, err := CanonicalMAC(e.MAC); err != nil {
		return err
	}
	if e.VLAN != 0 {
		return ValidateVLAN(e.VLAN)
	}
	return nil
}

// MACTableEntry is one row of a bridge forwarding table.
type MACTableEntry struct {
	MAC  string `json:"mac"`
	Port int    `json:"port"`
	VLAN int    `json:"vlan,omitempty"`
}

// LLDPNeighbor is one LLDP remote-table row.
type LLDPNeighbor struct {
	LocalPort     string `json:"local_port,omitempty"`
	ChassisID     string `json:"chassis_id"`
	PortID        string `json:"port_id,omitempty"`
	SysName       string `json:"sys_name,omitempty"`
	SysDescr      string `json:"sys_descr,omitempty"`
	MgmtAddress   string `json:"mgmt_address,omitempty"`
	ChassisIDType string `json:"chassis_id_type,omitempty"`
}

// EntityInfo is the entity-physical identification of a target.
type EntityInfo struct {
	Vendor   string `json:"vendor,omitempty"`
	Model    string `json:"model,omitempty"`
	Serial   string `json:"serial,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// SNMPPayload carries one full poll of a single SNMP target. A walk that
// failed partway is emitted with Partial set and whatever was collected.
type SNMPPayload struct {
	Target      string          `json:"target"`
	SysDescr    string          `json:"sys_descr,omitempty"`
	SysObjectID string          `json:"sys_object_id,omitempty"`
	SysUpTime   uint32          `json:"sys_uptime,omitempty"`
	SysName     string          `json:"sys_name,omitempty"`
	SysLocation string          `json:"sys_location,omitempty"`
	SysServices int             `json:"sys_services,omitempty"`
	Interfaces  []SNMPInterface `json:"interfaces,omitempty"`
	ARPEntries  []ARPEntry      `json:"arp_entries,omitempty"`
	MACTable    []MACTableEntry `json:"mac_table,omitempty"`
	Neighbors   []LLDPNeighbor  `json:"neighbors,omitempty"`
	Entity      EntityInfo      `json:"entity,omitempty"`
	Partial     bool            `json:"partial,omitempty"`
}

func (p *SNMPPayload) Source() TelemetrySource { return SourceSNMP }

func (p *SNMPPayload) Validate() error {
	if p.Target == "" {
		return E(KindValidation, "snmp", fmt.Errorf("target required"))
	}
	for _, e := range p.ARPEntries {
		if err := e.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ARPPayload carries ARP cache entries read from the local system.
// SNMP-polled bindings travel in SNMPPayload.ARPEntries instead.
type ARPPayload struct {
	Entries []ARPEntry `json:"entries"`
}

func (p *ARPPayload) Source() TelemetrySource { return SourceARP }

func (p *ARPPayload) Validate() error {
	for _, e := range p.Entries {
		if err := e.validate(); err != nil {
			return err
		}
	}
	return nil
}

// FlowRecord is one (possibly aggregated) NetFlow record.
type FlowRecord struct {
	SrcIP              string    `json:"src_ip"`
	DstIP              string    `json:"dst_ip"`
	SrcPort            int       `json:"src_port"`
	DstPort            int       `json:"dst_port"`
	Protocol           int       `json:"protocol"` // IP protocol number 0-255
	Bytes              uint64    `json:"bytes"`
	Packets            uint64    `json:"packets"`
	Start              time.Time `json:"start"`
	End                time.Time `json:"end"`
	TCPFlags           uint8     `json:"tcp_flags,omitempty"`
	ToS                uint8     `json:"tos,omitempty"`
	IsIndustrial       bool      `json:"is_industrial,omitempty"`
	IndustrialProtocol string    `json:"industrial_protocol,omitempty"`
}

// Key returns the aggregation 5-tuple.
func (f FlowRecord) Key() string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", f.SrcIP, f.DstIP, f.SrcPort, f.DstPort, f.Protocol)
}

func (f FlowRecord) validate() error {
	if net.ParseIP(f.SrcIP) == nil || net.ParseIP(f.DstIP) == nil {
		return E(KindValidation, "netflow", fmt.Errorf("invalid flow endpoints %q -> %q", f.SrcIP, f.DstIP))
	}
	if err := ValidatePort(f.SrcPort); err != nil {
		return err
	}
	if err := ValidatePort(f.DstPort); err != nil {
		return err
	}
	if f.Protocol < 0 || f.Protocol > 255 {
		return E(KindValidation, "netflow", fmt.Errorf("protocol %d out of range", f.Protocol))
	}
	return nil
}

// FlowPayload carries a window of aggregated flows.
type FlowPayload struct {
	ExporterIP string       `json:"exporter_ip,omitempty"`
	Version    int          `json:"version,omitempty"`
	Flows      []FlowRecord `json:"flows"`
}

func (p *FlowPayload) Source() TelemetrySource { return SourceNetFlow }

func (p *FlowPayload) Validate() error {
	for _, f := range p.Flows {
		if err := f.validate(); err != nil {
			return err
		}
	}
	return nil
}

// SyslogPayload is one parsed syslog message.
type SyslogPayload struct {
	Facility       int                          `json:"facility"`
	Severity       int                          `json:"severity"`
	Timestamp      time.Time                    `json:"timestamp"`
	Hostname       string                       `json:"hostname,omitempty"`
	AppName        string                       `json:"app_name,omitempty"`
	ProcID         string                       `json:"proc_id,omitempty"`
	MsgID          string                       `json:"msg_id,omitempty"`
	Message        string                       `json:"message"`
	StructuredData map[string]map[string]string `json:"structured_data,omitempty"`
	SecurityEvent  bool                         `json:"security_event,omitempty"`
}

func (p *SyslogPayload) Source() TelemetrySource { return SourceSyslog }

func (p *SyslogPayload) Validate() error {
	if !ValidSyslogSeverity(p.Severity) {
		return E(KindValidation, "syslog", fmt.Errorf("severity %d out of range 0-7", p.Severity))
	}
	if !ValidSyslogFacility(p.Facility) {
		return E(KindValidation, "syslog", fmt.Errorf("facility %d out of range 0-23", p.Facility))
	}
	return nil
}

// RouteEntry is one routing-table row.
type RouteEntry struct {
	Destination string `json:"destination"`
	Mask        string `json:"mask,omitempty"`
	NextHop     string `json:"next_hop,omitempty"`
	Interface   string `json:"interface,omitempty"`
	Metric      int    `json:"metric,omitempty"`
}

// RoutingPayload carries a routing table observation.
type RoutingPayload struct {
	Router string       `json:"router,omitempty"`
	Routes []RouteEntry `json:"routes"`
}

func (p *RoutingPayload) Source() TelemetrySource { return SourceRouting }

func (p *RoutingPayload) Validate() error {
	for _, r := range p.Routes {
		if r.Destination == "" {
			return E(KindValidation, "routing", fmt.Errorf("route destination required"))
		}
	}
	return nil
}

// OPCUASample is one monitored-node value change.
type OPCUASample struct {
	NodeID          string    `json:"node_id"`
	Value           string    `json:"value"`
	DataType        string    `json:"data_type,omitempty"`
	Quality         string    `json:"quality,omitempty"`
	SourceTimestamp time.Time `json:"source_timestamp,omitempty"`
}

// OPCUAPayload carries sampled value changes from one endpoint.
type OPCUAPayload struct {
	Endpoint string        `json:"endpoint"`
	Samples  []OPCUASample `json:"samples"`
}

func (p *OPCUAPayload) Source() TelemetrySource { return SourceOPCUA }

func (p *OPCUAPayload) Validate() error {
	if p.Endpoint == "" {
		return E(KindValidation, "opcua", fmt.Errorf("endpoint required"))
	}
	return nil
}

// ModbusReading is one decoded register value.
type ModbusReading struct {
	Name     string  `json:"name"`
	Address  uint16  `json:"address"`
	Kind     string  `json:"kind"`      // coil | discrete | holding | input
	DataType string  `json:"data_type"` // uint16 | int16 | uint32 | int32 | float32 | bool
	Value    float64 `json:"value"`
	Unit     string  `json:"unit,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// ModbusPayload carries one polling cycle of a Modbus TCP target.
type ModbusPayload struct {
	Target   string          `json:"target"`
	UnitID   int             `json:"unit_id"`
	Readings []ModbusReading `json:"readings"`
}

func (p *ModbusPayload) Source() TelemetrySource { return SourceModbus }

func (p *ModbusPayload) Validate() error {
	if p.Target == "" {
		return E(KindValidation, "modbus", fmt.Errorf("target required"))
	}
	if p.UnitID < 0 || p.UnitID > 255 {
		return E(KindValidation, "modbus", fmt.Errorf("unit id %d out of range", p.UnitID))
	}
	return nil
}

// ManualPayload carries operator-entered device facts.
type ManualPayload struct {
	Fields map[string]string `json:"fields"`
}

func (p *ManualPayload) Source() TelemetrySource { return SourceManual }

func (p *ManualPayload) Validate() error { return nil }
