package correlate

import (
	"context"
	"fmt"

	"otwatch/classify"
	"otwatch/models"
	"otwatch/parser"
	"otwatch/telemetry/events"
)

// securePorts are destination ports whose protocols are encrypted by
// definition; flows to them mark the connection secure.
var securePorts = map[int]string{
	22:   "SSH",
	443:  "TLS",
	8883: "TLS",
	4843: "OPC-UA-TLS",
}

// ipProtoNames names common IP protocol numbers for connection rows.
var ipProtoNames = map[int]string{
	1:  "ICMP",
	6:  "TCP",
	17: "UDP",
}

// applyFlow discovers or refreshes the connection a flow describes.
// Both endpoints must already resolve to devices; unknown endpoints
// are left to future observations. Self-flows are ignored.
func (e *Engine) applyFlow(ctx context.Context, flow models.FlowRecord) {
	srcID, srcOK := e.resolveIP(flow.SrcIP)
	dstID, dstOK := e.resolveIP(flow.DstIP)
	if !srcOK || !dstOK || srcID == dstID {
		return
	}

	protocol := ipProtoNames[flow.Protocol]
	if protocol == "" {
		protocol = fmt.Sprintf("IP-%d", flow.Protocol)
	}

	key := connKey(srcID, dstID, flow.DstPort, protocol)
	conn, exists := e.conns[key]
	if !exists {
		conn = &models.Connection{
			SourceID:    srcID,
			TargetID:    dstID,
			Type:        connectionTypeFor(flow),
			Protocol:    protocol,
			Port:        flow.DstPort,
			FirstSeenAt: flow.Start,
			LastSeenAt:  flow.End,
		}
		conn.ID = key
		e.conns[key] = conn
		e.changes++
	}
	conn.Metadata.Bytes += flow.Bytes
	conn.Metadata.Packets += flow.Packets
	if flow.End.After(conn.LastSeenAt) {
		conn.LastSeenAt = flow.End
	}
	if flow.Start.Before(conn.FirstSeenAt) || conn.FirstSeenAt.IsZero() {
		conn.FirstSeenAt = flow.Start
	}
	if flow.IsIndustrial {
		conn.Metadata.IsIndustrial = true
		conn.Metadata.IndustrialProtocol = flow.IndustrialProtocol
	}
	if enc, ok := securePorts[flow.DstPort]; ok {
		conn.IsSecure = true
		conn.Encryption = enc
	}

	e.checkCrossZone(ctx, conn)

	if err := e.opts.Store.UpsertConnection(ctx, conn); err != nil {
		e.opts.Log.ErrorCtx(ctx, "connection persist failed",
			"source", srcID, "target", dstID, "error", err)
	}
}

// applyNeighbor turns an LLDP adjacency into symmetric ethernet edges
// once both chassis resolve to known devices.
func (e *Engine) applyNeighbor(ctx context.Context, n parser.NeighborObservation) {
	localID := ""
	if n.LocalSysName != "" {
		localID = e.byHost[n.LocalSysName]
	}
	if localID == "" && n.LocalTarget != "" {
		if id, ok := e.resolveIP(n.LocalTarget); ok {
			localID = id
		}
	}
	remoteID := ""
	if n.RemoteChassisMAC != "" {
		remoteID = e.byMAC[n.RemoteChassisMAC]
	}
	if remoteID == "" && n.RemoteSysName != "" {
		remoteID = e.byHost[n.RemoteSysName]
	}
	if localID == "" || remoteID == "" || localID == remoteID {
		return
	}
	e.upsertLink(ctx, localID, remoteID, n)
	e.upsertLink(ctx, remoteID, localID, n)
}

func (e *Engine) upsertLink(ctx context.Context, srcID, dstID string, n parser.NeighborObservation) {
	key := connKey(srcID, dstID, 0, "LLDP")
	conn, exists := e.conns[key]
	if !exists {
		conn = &models.Connection{
			SourceID:    srcID,
			TargetID:    dstID,
			Type:        models.ConnEthernet,
			Protocol:    "LLDP",
			FirstSeenAt: n.Timestamp,
			LastSeenAt:  n.Timestamp,
		}
		conn.ID = key
		e.conns[key] = conn
		e.changes++
	}
	if n.Timestamp.After(conn.LastSeenAt) {
		conn.LastSeenAt = n.Timestamp
	}
	e.checkCrossZone(ctx, conn)
	if err := e.opts.Store.UpsertConnection(ctx, conn); err != nil {
		e.opts.Log.ErrorCtx(ctx, "connection persist failed",
			"source", srcID, "target", dstID, "error", err)
	}
}

// checkCrossZone raises one high-severity alert the first time a
// connection violates zone policy.
func (e *Engine) checkCrossZone(ctx context.Context, conn *models.Connection) {
	src := e.devices[conn.SourceID]
	dst := e.devices[conn.TargetID]
	if !classify.IsCrossZone(src, dst) {
		return
	}
	if e.crossZoneAlerted[conn.ID] {
		return
	}
	e.crossZoneAlerted[conn.ID] = true
	e.raiseAlert(ctx, models.Alert{
		Type:     models.AlertCrossZoneConnection,
		Severity: models.SeverityHigh,
		Title:    fmt.Sprintf("Cross-zone connection: %s -> %s", src.Name, dst.Name),
		Description: fmt.Sprintf("Traffic from zone %s (trust %d) to zone %s (trust %d) without an authorized boundary device",
			src.Zone, src.Zone.TrustLevel(), dst.Zone, dst.Zone.TrustLevel()),
		DeviceID:     conn.SourceID,
		ConnectionID: conn.ID,
		Details: map[string]string{
			"source_zone": string(src.Zone),
			"target_zone": string(dst.Zone),
			"protocol":    conn.Protocol,
			"port":        fmt.Sprintf("%d", conn.Port),
		},
		Remediation: "Route the traffic through a firewall or gateway at the zone boundary, or document the exception.",
	})
	e.publishEvent(events.Event{
		Category: events.CategoryCorrelation, Type: "cross_zone_connection", Severity: "high",
		Labels: map[string]string{"source": conn.SourceID, "target": conn.TargetID},
	})
}

func (e *Engine) resolveIP(ip string) (string, bool) {
	id, ok := e.ips.get(ip)
	if !ok {
		return "", false
	}
	if _, alive := e.devices[id]; !alive {
		return "", false
	}
	return id, true
}

func connectionTypeFor(flow models.FlowRecord) models.ConnectionType {
	switch flow.IndustrialProtocol {
	case "Modbus":
		return models.ConnModbus
	case "PROFINET":
		return models.ConnProfinet
	}
	return models.ConnEthernet
}
