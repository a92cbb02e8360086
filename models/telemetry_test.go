package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordJSONRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 45, 123000000, time.UTC)
	payloads := []Payload{
		&SNMPPayload{
			Target:   "10.0.1.50",
			SysName:  "plc-line1",
			SysDescr: "Siemens SIMATIC S7-1500",
			Interfaces: []SNMPInterface{
				{Index: 1, Descr: "X1", PhysAddress: "28:63:36:aa:bb:cc", AdminStatus: 1, OperStatus: 1},
			},
			ARPEntries: []ARPEntry{{IP: "10.0.1.51", MAC: "00:00:bc:01:02:03", EntryType: "dynamic"}},
			Neighbors:  []LLDPNeighbor{{ChassisID: "00:90:e8:11:22:33", SysName: "sw-cell1"}},
		},
		&ARPPayload{Entries: []ARPEntry{{IP: "192.168.1.10", MAC: "00:14:22:aa:bb:cc"}}},
		&FlowPayload{Flows: []FlowRecord{{
			SrcIP: "10.0.1.50", DstIP: "172.16.1.10", SrcPort: 49152, DstPort: 502,
			Protocol: 6, Bytes: 1200, Packets: 4, Start: at, End: at.Add(time.Second),
			IsIndustrial: true, IndustrialProtocol: "Modbus",
		}}},
		&SyslogPayload{Facility: 4, Severity: 2, Timestamp: at, Hostname: "hmi-2",
			Message: "unauthorized access denied for user operator", SecurityEvent: true},
		&RoutingPayload{Routes: []RouteEntry{{Destination: "0.0.0.0", NextHop: "10.0.0.1", Interface: "eth0"}}},
		&OPCUAPayload{Endpoint: "opc.tcp://10.0.2.5:4840", Samples: []OPCUASample{{NodeID: "ns=2;s=Temp", Value: "21.5"}}},
		&ModbusPayload{Target: "10.0.3.7", UnitID: 1, Readings: []ModbusReading{
			{Name: "flow_rate", Address: 30001, Kind: "input", DataType: "float32", Value: 3.14, Unit: "m3/h"},
		}},
		&ManualPayload{Fields: map[string]string{"hostname": "hist-01"}},
	}

	for _, p := range payloads {
		rec, err := NewRecord(p, at)
		require.NoError(t, err)
		rec.Metadata = map[string]string{"collector": "test"}

		encoded, err := json.Marshal(rec)
		require.NoError(t, err)

		var decoded TelemetryRecord
		require.NoError(t, json.Unmarshal(encoded, &decoded))

		assert.Equal(t, rec.ID, decoded.ID)
		assert.Equal(t, rec.Source, decoded.Source)
		assert.True(t, rec.Timestamp.Equal(decoded.Timestamp))
		assert.Equal(t, rec.Metadata, decoded.Metadata)
		assert.Equal(t, rec.Data, decoded.Data, "payload %T", p)
	}
}

func TestNewRecordRejectsInvalidPayloads(t *testing.T) {
	cases := []Payload{
		&SNMPPayload{}, // missing target
		&SyslogPayload{Severity: 8},
		&SyslogPayload{Severity: 1, Facility: 24},
		&FlowPayload{Flows: []FlowRecord{{SrcIP: "bad", DstIP: "10.0.0.1", SrcPort: 1, DstPort: 2}}},
		&FlowPayload{Flows: []FlowRecord{{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 0, DstPort: 2}}},
		&ModbusPayload{Target: "x", UnitID: 300},
		&ARPPayload{Entries: []ARPEntry{{IP: "10.0.0.1", MAC: "nope"}}},
	}
	for _, p := range cases {
		_, err := NewRecord(p, time.Now())
		assert.Error(t, err, "%T", p)
	}
}

func TestNewRecordAssignsUUIDAndSource(t *testing.T) {
	rec, err := NewRecord(&ARPPayload{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, rec.ID, 36)
	assert.Equal(t, SourceARP, rec.Source)
	assert.False(t, rec.Timestamp.IsZero())
	assert.False(t, rec.Processed)
}

func TestDecodeUnknownSourceFails(t *testing.T) {
	raw := []byte(`{"id":"x","source":"bogus","timestamp":"2025-06-01T00:00:00Z","data":{}}`)
	var rec TelemetryRecord
	assert.Error(t, json.Unmarshal(raw, &rec))
}
