package netflow

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otwatch/collector"
	"otwatch/config"
	"otwatch/models"
	"otwatch/telemetry/logging"
)

type captureSink struct {
	mu   sync.Mutex
	recs []models.TelemetryRecord
}

func (s *captureSink) Emit(_ context.Context, _ models.TelemetrySource, recs []models.TelemetryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, recs...)
}

func (s *captureSink) flows() []models.FlowRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FlowRecord
	for _, r := range s.recs {
		out = append(out, r.Data.(*models.FlowPayload).Flows...)
	}
	return out
}

func testSettings() collector.Settings {
	return collector.Settings{
		PollInterval:  time.Minute,
		FlushInterval: time.Second,
		Timeout:       5 * time.Second,
		Retries:       0,
		BatchSize:     1, // flush straight through to the sink

		MaxConcurrent: 4,
	}
}

func newTestCollector(t *testing.T, sink collector.Sink) *Collector {
	t.Helper()
	cfg := config.NetFlowConfig{
		Port:              2055,
		AggregationWindow: time.Minute,
		PendingQueueSize:  10,
		TemplateExpiry:    5 * time.Minute,
	}
	c, err := New(cfg, testSettings(), sink, logging.Nop(), nil)
	require.NoError(t, err)
	return c
}

func buildV5Packet(t *testing.T, flows []models.FlowRecord) []byte {
	t.Helper()
	pkt := make([]byte, v5HeaderLen+len(flows)*v5RecordLen)
	binary.BigEndian.PutUint16(pkt[0:2], 5)
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(flows)))
	binary.BigEndian.PutUint32(pkt[4:8], 60_000) // sysUptime 60s
	binary.BigEndian.PutUint32(pkt[8:12], uint32(time.Now().Unix()))
	for i, f := range flows {
		rec := pkt[v5HeaderLen+i*v5RecordLen:]
		copy(rec[0:4], net.ParseIP(f.SrcIP).To4())
		copy(rec[4:8], net.ParseIP(f.DstIP).To4())
		binary.BigEndian.PutUint32(rec[16:20], uint32(f.Packets))
		binary.BigEndian.PutUint32(rec[20:24], uint32(f.Bytes))
		binary.BigEndian.PutUint32(rec[24:28], 10_000)
		binary.BigEndian.PutUint32(rec[28:32], 20_000)
		binary.BigEndian.PutUint16(rec[32:34], uint16(f.SrcPort))
		binary.BigEndian.PutUint16(rec[34:36], uint16(f.DstPort))
		rec[37] = f.TCPFlags
		rec[38] = byte(f.Protocol)
	}
	return pkt
}

func TestDecodeV5(t *testing.T) {
	in := []models.FlowRecord{
		{SrcIP: "10.0.1.50", DstIP: "172.16.1.10", SrcPort: 5000, DstPort: 80, Protocol: 6, Bytes: 1200, Packets: 3},
		{SrcIP: "10.0.1.51", DstIP: "10.0.1.60", SrcPort: 49152, DstPort: 502, Protocol: 6, Bytes: 240, Packets: 2},
	}
	flows, err := decodeV5(buildV5Packet(t, in))
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "10.0.1.50", flows[0].SrcIP)
	assert.Equal(t, 80, flows[0].DstPort)
	assert.Equal(t, uint64(1200), flows[0].Bytes)
	assert.Equal(t, uint64(3), flows[0].Packets)
	assert.True(t, flows[0].End.After(flows[0].Start))
}

func TestDecodeV5Truncated(t *testing.T) {
	pkt := buildV5Packet(t, []models.FlowRecord{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 2, Protocol: 6},
	})
	_, err := decodeV5(pkt[:30])
	assert.Error(t, err)
	_, err = decodeV5(pkt[:10])
	assert.Error(t, err)
}

func buildV9Template(templateID uint16) []byte {
	fields := []struct{ typ, length uint16 }{
		{fieldIPv4SrcAddr, 4}, {fieldIPv4DstAddr, 4},
		{fieldL4SrcPort, 2}, {fieldL4DstPort, 2},
		{fieldProtocol, 1}, {fieldInBytes, 4}, {fieldInPackets, 4},
	}
	body := make([]byte, 4+len(fields)*4)
	binary.BigEndian.PutUint16(body[0:2], templateID)
	binary.BigEndian.PutUint16(body[2:4], uint16(len(fields)))
	for i, f := range fields {
		binary.BigEndian.PutUint16(body[4+i*4:], f.typ)
		binary.BigEndian.PutUint16(body[6+i*4:], f.length)
	}
	return wrapV9(0, body)
}

func buildV9Data(templateID uint16, src, dst string, srcPort, dstPort int, proto int, bytes, packets uint32) []byte {
	body := make([]byte, 21)
	copy(body[0:4], net.ParseIP(src).To4())
	copy(body[4:8], net.ParseIP(dst).To4())
	binary.BigEndian.PutUint16(body[8:10], uint16(srcPort))
	binary.BigEndian.PutUint16(body[10:12], uint16(dstPort))
	body[12] = byte(proto)
	binary.BigEndian.PutUint32(body[13:17], bytes)
	binary.BigEndian.PutUint32(body[17:21], packets)
	return wrapV9(templateID, body)
}

// wrapV9 builds a v9 datagram containing one flowset.
func wrapV9(setID uint16, body []byte) []byte {
	setLen := 4 + len(body)
	pkt := make([]byte, v9HeaderLen+setLen)
	binary.BigEndian.PutUint16(pkt[0:2], 9)
	binary.BigEndian.PutUint16(pkt[2:4], 1)
	binary.BigEndian.PutUint32(pkt[4:8], 30_000)
	binary.BigEndian.PutUint32(pkt[8:12], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint32(pkt[16:20], 7) // source id
	binary.BigEndian.PutUint16(pkt[v9HeaderLen:], setID)
	binary.BigEndian.PutUint16(pkt[v9HeaderLen+2:], uint16(setLen))
	copy(pkt[v9HeaderLen+4:], body)
	return pkt
}

func TestDecodeV9TemplateThenData(t *testing.T) {
	c := newTestCollector(t, &captureSink{})

	flows, err := c.decodeV9("192.0.2.1", buildV9Template(260))
	require.NoError(t, err)
	assert.Empty(t, flows)

	flows, err = c.decodeV9("192.0.2.1", buildV9Data(260, "10.0.1.50", "10.0.1.60", 49152, 502, 6, 240, 2))
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "10.0.1.50", flows[0].SrcIP)
	assert.Equal(t, 502, flows[0].DstPort)
	assert.Equal(t, uint64(240), flows[0].Bytes)
}

func TestDecodeV9BuffersUntilTemplateArrives(t *testing.T) {
	c := newTestCollector(t, &captureSink{})

	// Data before its template: buffered, nothing decoded.
	flows, err := c.decodeV9("192.0.2.1", buildV9Data(300, "10.0.0.1", "10.0.0.2", 1111, 2222, 17, 100, 1))
	require.NoError(t, err)
	assert.Empty(t, flows)

	// Template arrival releases the pending set.
	flows, err = c.decodeV9("192.0.2.1", buildV9Template(300))
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "10.0.0.1", flows[0].SrcIP)
	assert.Equal(t, uint64(100), flows[0].Bytes)
}

func TestTemplateCacheIsPerExporter(t *testing.T) {
	c := newTestCollector(t, &captureSink{})
	_, err := c.decodeV9("192.0.2.1", buildV9Template(310))
	require.NoError(t, err)

	// Same template id from a different exporter must not resolve.
	flows, err := c.decodeV9("192.0.2.99", buildV9Data(310, "10.0.0.1", "10.0.0.2", 1, 2, 6, 10, 1))
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func TestPendingQueueBoundsAndExpiry(t *testing.T) {
	q := newPendingQueue(2, time.Minute)
	key := templateKey{Exporter: "x", SourceID: 1, TemplateID: 5}
	assert.True(t, q.push(pendingSet{key: key}))
	assert.True(t, q.push(pendingSet{key: key}))
	assert.False(t, q.push(pendingSet{key: key}), "queue bound enforced")

	dropped := q.expire(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 2, dropped)
	assert.True(t, q.push(pendingSet{key: key}))
}

func TestAggregationPreservesTotals(t *testing.T) {
	sink := &captureSink{}
	c := newTestCollector(t, sink)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	var in []models.FlowRecord
	totalBytes, totalPackets := uint64(0), uint64(0)
	for i := 0; i < 10; i++ {
		f := models.FlowRecord{
			SrcIP: "10.0.1.50", DstIP: "10.0.1.60",
			SrcPort: 49152, DstPort: 502, Protocol: 6,
			Bytes: uint64(100 + i), Packets: uint64(1 + i),
			Start: base.Add(time.Duration(i) * time.Second),
			End:   base.Add(time.Duration(i+1) * time.Second),
		}
		totalBytes += f.Bytes
		totalPackets += f.Packets
		in = append(in, f)
	}
	c.aggregate(in)
	c.flushWindow(context.Background())

	flows := sink.flows()
	require.Len(t, flows, 1, "same 5-tuple aggregates to one flow")
	assert.Equal(t, totalBytes, flows[0].Bytes)
	assert.Equal(t, totalPackets, flows[0].Packets)
	assert.True(t, flows[0].Start.Equal(base))
	assert.True(t, flows[0].End.Equal(base.Add(10*time.Second)))
}

func TestIndustrialRecognition(t *testing.T) {
	sink := &captureSink{}
	c := newTestCollector(t, sink)
	now := time.Now().UTC()
	c.aggregate([]models.FlowRecord{{
		SrcIP: "10.0.1.50", DstIP: "10.0.1.60",
		SrcPort: 49152, DstPort: 502, Protocol: 6,
		Bytes: 100, Packets: 1, Start: now, End: now,
	}})
	c.flushWindow(context.Background())

	flows := sink.flows()
	require.Len(t, flows, 1)
	assert.True(t, flows[0].IsIndustrial)
	assert.Equal(t, "Modbus", flows[0].IndustrialProtocol)

	assert.Equal(t, "S7comm", IndustrialProtocol(102))
	assert.Equal(t, "IEC-104", IndustrialProtocol(2404))
	assert.Equal(t, "OPC-UA", IndustrialProtocol(4840))
	assert.Equal(t, "DNP3", IndustrialProtocol(20000))
	assert.Equal(t, "EtherNet/IP", IndustrialProtocol(44818))
	assert.Equal(t, "BACnet", IndustrialProtocol(47808))
	assert.Equal(t, "PROFINET", IndustrialProtocol(34963))
	assert.Equal(t, "", IndustrialProtocol(8080))
}

func TestAggregateDropsInvalidFlows(t *testing.T) {
	sink := &captureSink{}
	c := newTestCollector(t, sink)
	now := time.Now().UTC()
	c.aggregate([]models.FlowRecord{
		{SrcIP: "not-an-ip", DstIP: "10.0.0.1", SrcPort: 1, DstPort: 2, Protocol: 6, Start: now, End: now},
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 0, DstPort: 2, Protocol: 6, Start: now, End: now},
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 65536, Protocol: 6, Start: now, End: now},
	})
	c.flushWindow(context.Background())
	assert.Empty(t, sink.flows())
}
