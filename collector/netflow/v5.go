package netflow

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"otwatch/models"
)

const (
	v5HeaderLen = 24
	v5RecordLen = 48
)

// decodeV5 parses a fixed-format NetFlow v5 export datagram.
func decodeV5(pkt []byte) ([]models.FlowRecord, error) {
	if len(pkt) < v5HeaderLen {
		return nil, models.E(models.KindValidation, "netflow.v5",
			fmt.Errorf("datagram %d bytes, want at least %d", len(pkt), v5HeaderLen))
	}
	count := int(binary.BigEndian.Uint16(pkt[2:4]))
	sysUptime := time.Duration(binary.BigEndian.Uint32(pkt[4:8])) * time.Millisecond
	exportTime := time.Unix(int64(binary.BigEndian.Uint32(pkt[8:12])), 0).UTC()

	if len(pkt) < v5HeaderLen+count*v5RecordLen {
		return nil, models.E(models.KindValidation, "netflow.v5",
			fmt.Errorf("truncated datagram: %d records declared, %d bytes present", count, len(pkt)))
	}

	bootTime := exportTime.Add(-sysUptime)
	flows := make([]models.FlowRecord, 0, count)
	for i := 0; i < count; i++ {
		rec := pkt[v5HeaderLen+i*v5RecordLen:]
		first := bootTime.Add(time.Duration(binary.BigEndian.Uint32(rec[24:28])) * time.Millisecond)
		last := bootTime.Add(time.Duration(binary.BigEndian.Uint32(rec[28:32])) * time.Millisecond)
		flows = append(flows, models.FlowRecord{
			SrcIP:    net.IP(rec[0:4]).String(),
			DstIP:    net.IP(rec[4:8]).String(),
			Packets:  uint64(binary.BigEndian.Uint32(rec[16:20])),
			Bytes:    uint64(binary.BigEndian.Uint32(rec[20:24])),
			Start:    first,
			End:      last,
			SrcPort:  int(binary.BigEndian.Uint16(rec[32:34])),
			DstPort:  int(binary.BigEndian.Uint16(rec[34:36])),
			TCPFlags: rec[37],
			Protocol: int(rec[38]),
			ToS:      rec[39],
		})
	}
	return flows, nil
}
