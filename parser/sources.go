package parser

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"otwatch/models"
)

// parseSNMP yields the polled target as a rich observation plus weak
// observations for every ARP binding and bridge-table MAC it reported.
func parseSNMP(rec models.TelemetryRecord, p *models.SNMPPayload) Result {
	var res Result

	target := DeviceObservation{
		Source:    rec.Source,
		Timestamp: rec.Timestamp,
		SysName:   p.SysName,
		SysDescr:  p.SysDescr,
		Hostname:  p.SysName,
		Vendor:    p.Entity.Vendor,
		Model:     p.Entity.Model,
		Serial:    p.Entity.Serial,
		Firmware:  p.Entity.Firmware,
		Location:  p.SysLocation,
	}
	if net.ParseIP(p.Target) != nil {
		target.IPs = append(target.IPs, p.Target)
	}
	for _, it := range p.Interfaces {
		if it.PhysAddress == "" {
			continue
		}
		target.MACs = append(target.MACs, it.PhysAddress)
		ni := models.NetworkInterface{
			Name:        it.Descr,
			MAC:         it.PhysAddress,
			IPv4:        it.IPv4,
			Netmask:     it.Netmask,
			SpeedMbps:   it.SpeedBps / 1_000_000,
			AdminStatus: adminStatusName(it.AdminStatus),
			OperStatus:  operStatusName(it.OperStatus),
		}
		target.Interfaces = append(target.Interfaces, ni)
		if it.IPv4 != "" {
			target.IPs = append(target.IPs, it.IPv4)
		}
	}
	if p.Partial {
		target.Metadata = map[string]string{"partial": "true"}
	}
	res.Devices = append(res.Devices, target)

	for _, e := range p.ARPEntries {
		res.Devices = append(res.Devices, DeviceObservation{
			Source:    rec.Source,
			Timestamp: rec.Timestamp,
			MACs:      []string{e.MAC},
			IPs:       []string{e.IP},
			Metadata:  map[string]string{"via": "ip_net_to_media"},
		})
	}
	for _, e := range p.MACTable {
		res.Devices = append(res.Devices, DeviceObservation{
			Source:    rec.Source,
			Timestamp: rec.Timestamp,
			MACs:      []string{e.MAC},
			Metadata:  map[string]string{"via": "bridge_fdb"},
		})
	}
	for _, n := range p.Neighbors {
		res.Neighbors = append(res.Neighbors, NeighborObservation{
			LocalSysName:     p.SysName,
			LocalTarget:      p.Target,
			RemoteChassisMAC: n.ChassisID,
			RemoteSysName:    n.SysName,
			RemotePortID:     n.PortID,
			Timestamp:        rec.Timestamp,
		})
	}
	return res
}

func parseARP(rec models.TelemetryRecord, p *models.ARPPayload) Result {
	var res Result
	for _, e := range p.Entries {
		obs := DeviceObservation{
			Source:    rec.Source,
			Timestamp: rec.Timestamp,
			MACs:      []string{e.MAC},
			IPs:       []string{e.IP},
		}
		if e.Interface != "" {
			obs.Metadata = map[string]string{"interface": e.Interface}
		}
		res.Devices = append(res.Devices, obs)
	}
	return res
}

func parseFlows(rec models.TelemetryRecord, p *models.FlowPayload) Result {
	return Result{Flows: p.Flows}
}

// parseSyslog refreshes the sender's presence and, for security
// events, yields an observation bound for alerting.
func parseSyslog(rec models.TelemetryRecord, p *models.SyslogPayload) Result {
	var res Result
	if p.Hostname != "" {
		obs := DeviceObservation{
			Source:    rec.Source,
			Timestamp: rec.Timestamp,
			Hostname:  p.Hostname,
		}
		if ip := net.ParseIP(p.Hostname); ip != nil {
			obs.Hostname = ""
			obs.IPs = []string{p.Hostname}
		}
		res.Devices = append(res.Devices, obs)
	}
	if p.SecurityEvent {
		res.Security = append(res.Security, SecurityObservation{
			Hostname:  p.Hostname,
			Severity:  p.Severity,
			Facility:  p.Facility,
			AppName:   p.AppName,
			Message:   p.Message,
			Timestamp: p.Timestamp,
		})
	}
	return res
}

// parseRouting yields router observations for every distinct next hop.
func parseRouting(rec models.TelemetryRecord, p *models.RoutingPayload) Result {
	res := Result{Routes: p.Routes}
	seen := map[string]bool{}
	for _, r := range p.Routes {
		hop := r.NextHop
		if hop == "" || hop == "0.0.0.0" || seen[hop] {
			continue
		}
		seen[hop] = true
		res.Devices = append(res.Devices, DeviceObservation{
			Source:    rec.Source,
			Timestamp: rec.Timestamp,
			IPs:       []string{hop},
			TypeHint:  models.TypeRouter,
			Metadata:  map[string]string{"via": "route_next_hop"},
		})
	}
	return res
}

func parseOPCUA(rec models.TelemetryRecord, p *models.OPCUAPayload) Result {
	host := hostFromEndpoint(p.Endpoint)
	if host == "" {
		return Result{}
	}
	obs := DeviceObservation{
		Source:    rec.Source,
		Timestamp: rec.Timestamp,
		Metadata:  map[string]string{"opcua_endpoint": p.Endpoint},
	}
	if net.ParseIP(host) != nil {
		obs.IPs = []string{host}
	} else {
		obs.Hostname = host
	}
	return Result{Devices: []DeviceObservation{obs}}
}

// parseModbus observes the polled unit. A responding Modbus TCP server
// on the default port is overwhelmingly a PLC or RTU; the type hint
// biases classification toward basic control.
func parseModbus(rec models.TelemetryRecord, p *models.ModbusPayload) Result {
	obs := DeviceObservation{
		Source:    rec.Source,
		Timestamp: rec.Timestamp,
		TypeHint:  models.TypePLC,
		Metadata: map[string]string{
			"modbus_unit": strconv.Itoa(p.UnitID),
		},
	}
	if net.ParseIP(p.Target) != nil {
		obs.IPs = []string{p.Target}
	} else {
		obs.Hostname = p.Target
	}
	return Result{Devices: []DeviceObservation{obs}}
}

func parseManual(rec models.TelemetryRecord, p *models.ManualPayload) Result {
	obs := DeviceObservation{
		Source:    rec.Source,
		Timestamp: rec.Timestamp,
		Metadata:  p.Fields,
	}
	if v := p.Fields["mac"]; v != "" {
		if mac, err := models.CanonicalMAC(v); err == nil {
			obs.MACs = []string{mac}
		}
	}
	if v := p.Fields["ip"]; v != "" && net.ParseIP(v) != nil {
		obs.IPs = []string{v}
	}
	obs.Hostname = p.Fields["hostname"]
	obs.Vendor = p.Fields["vendor"]
	obs.Model = p.Fields["model"]
	if v := p.Fields["type"]; v != "" {
		obs.TypeHint = models.DeviceType(v)
	}
	if len(obs.MACs) == 0 && len(obs.IPs) == 0 && obs.Hostname == "" {
		return Result{}
	}
	return Result{Devices: []DeviceObservation{obs}}
}

func hostFromEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return strings.TrimSpace(endpoint)
	}
	return u.Hostname()
}

func adminStatusName(v int) string {
	switch v {
	case 1:
		return "up"
	case 2:
		return "down"
	case 3:
		return "testing"
	}
	return ""
}

func operStatusName(v int) string {
	switch v {
	case 1:
		return "up"
	case 2:
		return "down"
	case 3:
		return "testing"
	case 4:
		return "unknown"
	case 5:
		return "dormant"
	case 6:
		return "notPresent"
	case 7:
		return "lowerLayerDown"
	}
	return ""
}
