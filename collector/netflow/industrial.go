package netflow

import "otwatch/models"

// industrialPorts maps well-known destination ports to industrial
// protocol names. Recognition marks the flow and names the protocol.
var industrialPorts = map[int]string{
	102:   "S7comm",
	502:   "Modbus",
	1911:  "Fox",
	2222:  "EtherNet/IP-IO",
	2404:  "IEC-104",
	4840:  "OPC-UA",
	4911:  "Fox",
	5007:  "SLMP",
	9600:  "FINS",
	18245: "GE-SRTP",
	18246: "GE-SRTP",
	20000: "DNP3",
	44818: "EtherNet/IP",
	47808: "BACnet",
	34962: "PROFINET",
	34963: "PROFINET",
	34964: "PROFINET",
}

// IndustrialProtocol returns the protocol name registered for a
// destination port, or "".
func IndustrialProtocol(dstPort int) string {
	return industrialPorts[dstPort]
}

func tagIndustrial(f *models.FlowRecord) {
	if name := industrialPorts[f.DstPort]; name != "" {
		f.IsIndustrial = true
		f.IndustrialProtocol = name
	}
}
