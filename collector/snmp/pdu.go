package snmp

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gosnmp/gosnmp"

	"otwatch/models"
)

// pduString renders a PDU value as printable text.
func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// pduHex renders an octet-string PDU as hex, the form MAC columns use.
func pduHex(pdu gosnmp.SnmpPDU) string {
	if b, ok := pdu.Value.([]byte); ok {
		return hex.EncodeToString(b)
	}
	return pduString(pdu)
}

func pduUint(pdu gosnmp.SnmpPDU) uint64 {
	return gosnmp.ToBigInt(pdu.Value).Uint64()
}

// lastIndex extracts the trailing table index from an instance OID.
func lastIndex(oid string) int {
	i := strings.LastIndex(oid, ".")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(oid[i+1:])
	if err != nil {
		return 0
	}
	return n
}

// ipSuffix strips a column prefix leaving the dotted IPv4 instance.
func ipSuffix(oid, column string) string {
	return strings.TrimPrefix(strings.TrimPrefix(oid, column), ".")
}

// arpSuffix strips an ipNetToMedia column prefix leaving
// "<ifIndex>.<a>.<b>.<c>.<d>".
func arpSuffix(oid, column string) string {
	return strings.TrimPrefix(strings.TrimPrefix(oid, column), ".")
}

// arpIP extracts the IPv4 portion of an ipNetToMedia instance suffix.
func arpIP(suffix string) string {
	parts := strings.Split(suffix, ".")
	if len(parts) != 5 {
		return ""
	}
	return strings.Join(parts[1:], ".")
}

// lldpSuffix strips the column prefix from an lldpRemTable instance
// ("timeMark.localPort.index").
func lldpSuffix(oid, column string) string {
	return strings.TrimPrefix(strings.TrimPrefix(oid, column), ".")
}

func sortInterfaces(ifs []models.SNMPInterface) {
	sort.Slice(ifs, func(i, j int) bool { return ifs[i].Index < ifs[j].Index })
}
