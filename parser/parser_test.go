package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otwatch/models"
)

func mustRecord(t *testing.T, p models.Payload) models.TelemetryRecord {
	t.Helper()
	rec, err := models.NewRecord(p, time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return rec
}

func TestParseSNMP(t *testing.T) {
	rec := mustRecord(t, &models.SNMPPayload{
		Target:      "10.0.1.50",
		SysName:     "plc-line1",
		SysDescr:    "Siemens SIMATIC S7-1500",
		SysLocation: "Plant-A/Line-1",
		Interfaces: []models.SNMPInterface{{
			Index: 1, Descr: "X1", PhysAddress: "28:63:36:aa:bb:cc",
			IPv4: "10.0.1.50", SpeedBps: 1_000_000_000, AdminStatus: 1, OperStatus: 1,
		}},
		ARPEntries: []models.ARPEntry{{IP: "10.0.1.51", MAC: "00:00:bc:01:02:03"}},
		MACTable:   []models.MACTableEntry{{MAC: "00:90:e8:11:22:33", Port: 4}},
		Neighbors:  []models.LLDPNeighbor{{ChassisID: "00:90:e8:11:22:33", SysName: "sw-cell1"}},
		Entity:     models.EntityInfo{Vendor: "Siemens", Model: "S7-1500", Serial: "SN123"},
	})

	res, err := Parse(rec)
	require.NoError(t, err)

	// Target + one ARP binding + one bridge-table MAC.
	require.Len(t, res.Devices, 3)
	target := res.Devices[0]
	assert.Equal(t, "plc-line1", target.SysName)
	assert.Equal(t, []string{"28:63:36:aa:bb:cc"}, target.MACs)
	assert.Contains(t, target.IPs, "10.0.1.50")
	assert.Equal(t, "Siemens", target.Vendor)
	assert.Equal(t, "Plant-A/Line-1", target.Location)
	require.Len(t, target.Interfaces, 1)
	assert.Equal(t, "up", target.Interfaces[0].AdminStatus)
	assert.Equal(t, uint64(1000), target.Interfaces[0].SpeedMbps)

	require.Len(t, res.Neighbors, 1)
	assert.Equal(t, "plc-line1", res.Neighbors[0].LocalSysName)
	assert.Equal(t, "00:90:e8:11:22:33", res.Neighbors[0].RemoteChassisMAC)
}

func TestParseARP(t *testing.T) {
	rec := mustRecord(t, &models.ARPPayload{Entries: []models.ARPEntry{
		{IP: "192.168.1.10", MAC: "00:14:22:aa:bb:cc", Interface: "eth0"},
	}})
	res, err := Parse(rec)
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, []string{"00:14:22:aa:bb:cc"}, res.Devices[0].MACs)
	assert.Equal(t, []string{"192.168.1.10"}, res.Devices[0].IPs)
}

func TestParseFlowsPassThrough(t *testing.T) {
	now := time.Now().UTC()
	rec := mustRecord(t, &models.FlowPayload{Flows: []models.FlowRecord{{
		SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1234, DstPort: 502,
		Protocol: 6, Bytes: 100, Packets: 1, Start: now, End: now,
	}}})
	res, err := Parse(rec)
	require.NoError(t, err)
	require.Len(t, res.Flows, 1)
	assert.Empty(t, res.Devices)
}

func TestParseSyslogSecurityEvent(t *testing.T) {
	rec := mustRecord(t, &models.SyslogPayload{
		Facility: 4, Severity: 2, Hostname: "hmi-2",
		Message: "unauthorized access denied for user operator", SecurityEvent: true,
		Timestamp: time.Now().UTC(),
	})
	res, err := Parse(rec)
	require.NoError(t, err)
	require.Len(t, res.Devices, 1, "sender presence refresh")
	require.Len(t, res.Security, 1)
	assert.Equal(t, 2, res.Security[0].Severity)
	assert.Equal(t, "hmi-2", res.Security[0].Hostname)
}

func TestParseSyslogNonSecurity(t *testing.T) {
	rec := mustRecord(t, &models.SyslogPayload{
		Facility: 1, Severity: 6, Hostname: "sw-1", Message: "link up",
		Timestamp: time.Now().UTC(),
	})
	res, err := Parse(rec)
	require.NoError(t, err)
	assert.Empty(t, res.Security)
}

func TestParseRoutingEmitsRouterHints(t *testing.T) {
	rec := mustRecord(t, &models.RoutingPayload{Routes: []models.RouteEntry{
		{Destination: "0.0.0.0", NextHop: "10.0.0.1", Interface: "eth0"},
		{Destination: "10.2.0.0", NextHop: "10.0.0.1", Interface: "eth0"}, // duplicate hop
		{Destination: "10.3.0.0", NextHop: "0.0.0.0", Interface: "eth1"},  // directly connected
	}})
	res, err := Parse(rec)
	require.NoError(t, err)
	require.Len(t, res.Devices, 1, "one observation per distinct next hop")
	assert.Equal(t, models.TypeRouter, res.Devices[0].TypeHint)
	assert.Equal(t, []string{"10.0.0.1"}, res.Devices[0].IPs)
	assert.Len(t, res.Routes, 3)
}

func TestParseModbusHintsPLC(t *testing.T) {
	rec := mustRecord(t, &models.ModbusPayload{Target: "10.0.3.7", UnitID: 1})
	res, err := Parse(rec)
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, models.TypePLC, res.Devices[0].TypeHint)
	assert.Equal(t, []string{"10.0.3.7"}, res.Devices[0].IPs)
}

func TestParseOPCUAEndpointHost(t *testing.T) {
	rec := mustRecord(t, &models.OPCUAPayload{Endpoint: "opc.tcp://10.0.2.5:4840"})
	res, err := Parse(rec)
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, []string{"10.0.2.5"}, res.Devices[0].IPs)
}

func TestParseManual(t *testing.T) {
	rec := mustRecord(t, &models.ManualPayload{Fields: map[string]string{
		"hostname": "hist-01", "mac": "00-1F-29-AA-BB-CC", "type": "historian",
	}})
	res, err := Parse(rec)
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, "hist-01", res.Devices[0].Hostname)
	assert.Equal(t, []string{"00:1f:29:aa:bb:cc"}, res.Devices[0].MACs)
	assert.Equal(t, models.DeviceType("historian"), res.Devices[0].TypeHint)

	empty, err := Parse(mustRecord(t, &models.ManualPayload{Fields: map[string]string{"note": "n/a"}}))
	require.NoError(t, err)
	assert.Empty(t, empty.Devices, "manual entry without identity is ignored")
}
