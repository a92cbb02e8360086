// Package parser normalizes typed telemetry records into the
// observation forms the correlation engine folds into the topology.
// Parsers are pure functions; they carry no state and may run on any
// worker.
package parser

import (
	"fmt"
	"time"

	"otwatch/models"
)

// DeviceObservation is one sighting of a device with whatever identity
// hints the source could supply. Identity resolution order downstream:
// MAC, IP, hostname, sysName+vendor.
type DeviceObservation struct {
	Source    models.TelemetrySource
	Timestamp time.Time

	MACs     []string // canonical
	IPs      []string
	Hostname string
	SysName  string
	SysDescr string

	Vendor   string
	Model    string
	Serial   string
	Firmware string
	Location string

	TypeHint   models.DeviceType
	Interfaces []models.NetworkInterface
	Metadata   map[string]string
}

// NeighborObservation is one LLDP adjacency, yielding a symmetric
// ethernet connection once both ends resolve.
type NeighborObservation struct {
	LocalSysName     string
	LocalTarget      string // collector target that reported the adjacency
	RemoteChassisMAC string
	RemoteSysName    string
	RemotePortID     string
	Timestamp        time.Time
}

// SecurityObservation is a syslog security event bound for alerting.
type SecurityObservation struct {
	Hostname  string
	Severity  int // syslog severity 0-7
	Facility  int
	AppName   string
	Message   string
	Timestamp time.Time
}

// Result is everything extracted from one telemetry record.
type Result struct {
	Devices   []DeviceObservation
	Flows     []models.FlowRecord
	Neighbors []NeighborObservation
	Security  []SecurityObservation
	Routes    []models.RouteEntry
}

// Parse dispatches on the record's payload type. A record whose payload
// fails extraction is rejected as a validation error: logged and
// dropped by the caller, never fatal.
func Parse(rec models.TelemetryRecord) (Result, error) {
	switch p := rec.Data.(type) {
	case *models.SNMPPayload:
		return parseSNMP(rec, p), nil
	case *models.ARPPayload:
		return parseARP(rec, p), nil
	case *models.FlowPayload:
		return parseFlows(rec, p), nil
	case *models.SyslogPayload:
		return parseSyslog(rec, p), nil
	case *models.RoutingPayload:
		return parseRouting(rec, p), nil
	case *models.OPCUAPayload:
		return parseOPCUA(rec, p), nil
	case *models.ModbusPayload:
		return parseModbus(rec, p), nil
	case *models.ManualPayload:
		return parseManual(rec, p), nil
	default:
		return Result{}, models.E(models.KindValidation, "parser",
			fmt.Errorf("record %s: unsupported payload %T", rec.ID, rec.Data))
	}
}
