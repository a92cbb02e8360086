package netflow

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"otwatch/models"
)

const v9HeaderLen = 20

// NetFlow v9 field types used for flow extraction (RFC 3954 §8).
const (
	fieldInBytes       = 1
	fieldInPackets     = 2
	fieldProtocol      = 4
	fieldSrcTos        = 5
	fieldTCPFlags      = 6
	fieldL4SrcPort     = 7
	fieldIPv4SrcAddr   = 8
	fieldL4DstPort     = 11
	fieldIPv4DstAddr   = 12
	fieldLastSwitched  = 21
	fieldFirstSwitched = 22
)

type templateField struct {
	Type   uint16
	Length uint16
}

type template struct {
	ID       uint16
	Fields   []templateField
	recorded time.Time
}

func (t *template) recordLen() int {
	n := 0
	for _, f := range t.Fields {
		n += int(f.Length)
	}
	return n
}

// templateKey identifies a template by (exporter IP, source id,
// template id) because template id spaces are per-exporter-engine.
type templateKey struct {
	Exporter   string
	SourceID   uint32
	TemplateID uint16
}

type templateCache struct {
	mu     sync.Mutex
	byKey  map[templateKey]*template
	expiry time.Duration
}

func newTemplateCache(expiry time.Duration) *templateCache {
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	return &templateCache{byKey: make(map[templateKey]*template), expiry: expiry}
}

func (tc *templateCache) put(key templateKey, t *template) {
	tc.mu.Lock()
	t.recorded = time.Now()
	tc.byKey[key] = t
	tc.mu.Unlock()
}

func (tc *templateCache) get(key templateKey) *template {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	t := tc.byKey[key]
	if t == nil {
		return nil
	}
	if time.Since(t.recorded) > tc.expiry {
		delete(tc.byKey, key)
		return nil
	}
	return t
}

// pendingSet is a data flowset buffered until its template arrives.
type pendingSet struct {
	key      templateKey
	data     []byte
	header   v9Header
	received time.Time
}

// pendingQueue is the bounded buffer of data flowsets with no template
// yet. Entries unresolved past the expiry are dropped with a counter.
type pendingQueue struct {
	mu     sync.Mutex
	sets   []pendingSet
	limit  int
	expiry time.Duration
}

func newPendingQueue(limit int, expiry time.Duration) *pendingQueue {
	if limit <= 0 {
		limit = 10000
	}
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	return &pendingQueue{limit: limit, expiry: expiry}
}

// push buffers a set, reporting false when the queue is full.
func (q *pendingQueue) push(s pendingSet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sets) >= q.limit {
		return false
	}
	s.received = time.Now()
	q.sets = append(q.sets, s)
	return true
}

// take removes and returns all pending sets matching key.
func (q *pendingQueue) take(key templateKey) []pendingSet {
	q.mu.Lock()
	defer q.mu.Unlock()
	var matched, rest []pendingSet
	for _, s := range q.sets {
		if s.key == key {
			matched = append(matched, s)
		} else {
			rest = append(rest, s)
		}
	}
	q.sets = rest
	return matched
}

// expire drops sets older than the expiry, returning the drop count.
func (q *pendingQueue) expire(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var kept []pendingSet
	dropped := 0
	for _, s := range q.sets {
		if now.Sub(s.received) > q.expiry {
			dropped++
			continue
		}
		kept = append(kept, s)
	}
	q.sets = kept
	return dropped
}

type v9Header struct {
	SysUptime  time.Duration
	ExportTime time.Time
	SourceID   uint32
}

// decodeV9 parses a template-based v9 datagram, resolving data
// flowsets through the template cache and buffering the unresolved.
func (c *Collector) decodeV9(exporter string, pkt []byte) ([]models.FlowRecord, error) {
	if len(pkt) < v9HeaderLen {
		return nil, models.E(models.KindValidation, "netflow.v9",
			fmt.Errorf("datagram %d bytes, want at least %d", len(pkt), v9HeaderLen))
	}
	hdr := v9Header{
		SysUptime:  time.Duration(binary.BigEndian.Uint32(pkt[4:8])) * time.Millisecond,
		ExportTime: time.Unix(int64(binary.BigEndian.Uint32(pkt[8:12])), 0).UTC(),
		SourceID:   binary.BigEndian.Uint32(pkt[16:20]),
	}

	var flows []models.FlowRecord
	off := v9HeaderLen
	for off+4 <= len(pkt) {
		setID := binary.BigEndian.Uint16(pkt[off : off+2])
		setLen := int(binary.BigEndian.Uint16(pkt[off+2 : off+4]))
		if setLen < 4 || off+setLen > len(pkt) {
			break
		}
		body := pkt[off+4 : off+setLen]
		switch {
		case setID == 0:
			for _, tmpl := range parseTemplates(body) {
				key := templateKey{Exporter: exporter, SourceID: hdr.SourceID, TemplateID: tmpl.ID}
				c.templates.put(key, tmpl)
				for _, s := range c.pending.take(key) {
					flows = append(flows, decodeDataSet(tmpl, s.header, s.data)...)
				}
			}
		case setID == 1:
			// Options templates carry exporter metadata, not flows.
		case setID > 255:
			key := templateKey{Exporter: exporter, SourceID: hdr.SourceID, TemplateID: setID}
			tmpl := c.templates.get(key)
			if tmpl == nil {
				if !c.pending.push(pendingSet{key: key, data: body, header: hdr}) {
					c.drop("pending_overflow", 1)
				}
				break
			}
			flows = append(flows, decodeDataSet(tmpl, hdr, body)...)
		}
		off += setLen
	}
	return flows, nil
}

func parseTemplates(body []byte) []*template {
	var out []*template
	off := 0
	for off+4 <= len(body) {
		id := binary.BigEndian.Uint16(body[off : off+2])
		fieldCount := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		off += 4
		if off+fieldCount*4 > len(body) {
			break
		}
		t := &template{ID: id}
		for i := 0; i < fieldCount; i++ {
			t.Fields = append(t.Fields, templateField{
				Type:   binary.BigEndian.Uint16(body[off : off+2]),
				Length: binary.BigEndian.Uint16(body[off+2 : off+4]),
			})
			off += 4
		}
		out = append(out, t)
	}
	return out
}

func decodeDataSet(t *template, hdr v9Header, body []byte) []models.FlowRecord {
	recLen := t.recordLen()
	if recLen == 0 {
		return nil
	}
	bootTime := hdr.ExportTime.Add(-hdr.SysUptime)
	var flows []models.FlowRecord
	for off := 0; off+recLen <= len(body); off += recLen {
		rec := body[off : off+recLen]
		f := models.FlowRecord{Start: hdr.ExportTime, End: hdr.ExportTime}
		fo := 0
		for _, field := range t.Fields {
			v := rec[fo : fo+int(field.Length)]
			switch field.Type {
			case fieldInBytes:
				f.Bytes = beUint(v)
			case fieldInPackets:
				f.Packets = beUint(v)
			case fieldProtocol:
				f.Protocol = int(beUint(v))
			case fieldSrcTos:
				f.ToS = uint8(beUint(v))
			case fieldTCPFlags:
				f.TCPFlags = uint8(beUint(v))
			case fieldL4SrcPort:
				f.SrcPort = int(beUint(v))
			case fieldIPv4SrcAddr:
				if len(v) == 4 {
					f.SrcIP = net.IP(v).String()
				}
			case fieldL4DstPort:
				f.DstPort = int(beUint(v))
			case fieldIPv4DstAddr:
				if len(v) == 4 {
					f.DstIP = net.IP(v).String()
				}
			case fieldFirstSwitched:
				f.Start = bootTime.Add(time.Duration(beUint(v)) * time.Millisecond)
			case fieldLastSwitched:
				f.End = bootTime.Add(time.Duration(beUint(v)) * time.Millisecond)
			}
			fo += int(field.Length)
		}
		flows = append(flows, f)
	}
	return flows
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
