package risk

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"otwatch/classify"
	"otwatch/models"
)

// Category weights. They must sum to 1.0; TestAssessWeightsSumToOne
// checks them against the assessment invariant.
const (
	weightVulnerability = 0.35
	weightConfiguration = 0.25
	weightExposure      = 0.25
	weightCompliance    = 0.15
)

// vulnBase is the device-type baseline: unpatched legacy control
// equipment starts high, hardened boundary devices low.
var vulnBase = map[models.DeviceType]float64{
	models.TypePLC:        70,
	models.TypeRTU:        70,
	models.TypeDCS:        65,
	models.TypeController: 65,
	models.TypeSensor:     45,
	models.TypeActuator:   45,
	models.TypeSCADA:      60,
	models.TypeHMI:        60,
	models.TypeHistorian:  50,
	models.TypeMES:        45,
	models.TypeSwitch:     40,
	models.TypeRouter:     40,
	models.TypeFirewall:   25,
	models.TypeGateway:    30,
	models.TypeDataDiode:  15,
	models.TypeJumpServer: 35,
	models.TypeUnknown:    50,
}

// knownVulnerable lists vendor/model families with published
// exploitable CVEs; a match floors the vulnerability score at 90.
var knownVulnerable = []struct {
	vendor string
	model  string
}{
	{"Siemens", "S7-300"},
	{"Siemens", "S7-400"},
	{"Schneider Electric", "Modicon M340"},
	{"Rockwell Automation", "MicroLogix 1400"},
	{"Moxa", "NPort"},
}

// vulnerabilityScore computes the vulnerability factor 0-100.
func vulnerabilityScore(d models.Device) (float64, string) {
	score := vulnBase[d.Type]
	if score == 0 {
		score = 50
	}
	desc := fmt.Sprintf("base %s score %.0f", d.Type, score)

	if years := firmwareAgeYears(d); years > 3 {
		penalty := float64(years-3) * 10
		score += penalty
		desc += fmt.Sprintf("; firmware %d years old (+%.0f)", years, penalty)
	} else if d.Firmware == "" {
		score += 10
		desc += "; firmware unknown (+10)"
	}

	for _, kv := range knownVulnerable {
		if d.Vendor == kv.vendor && contains(d.Model, kv.model) {
			if score < 90 {
				score = 90
			}
			desc += fmt.Sprintf("; known vulnerable family %s %s", kv.vendor, kv.model)
			break
		}
	}
	return clamp(score), desc
}

// configurationScore penalizes plaintext industrial protocols and
// legacy SNMP, rewarding TLS-wrapped variants.
func configurationScore(d models.Device, conns []models.Connection) (float64, string) {
	score := 20.0
	desc := "baseline 20"

	insecureIndustrial := 0
	secured := 0
	for _, c := range conns {
		if c.Metadata.IsIndustrial && !c.IsSecure {
			insecureIndustrial++
		}
		if c.IsSecure {
			secured++
		}
	}
	if insecureIndustrial > 0 {
		penalty := float64(insecureIndustrial) * 15
		if penalty > 60 {
			penalty = 60
		}
		score += penalty
		desc += fmt.Sprintf("; %d unencrypted industrial connections (+%.0f)", insecureIndustrial, penalty)
	}
	if secured > 0 {
		score -= 10
		desc += "; TLS-protected links present (-10)"
	}
	switch d.Metadata["snmp_version"] {
	case "v1", "v2c":
		score += 20
		desc += "; legacy SNMP exposure (+20)"
	}
	if d.Metadata["default_community"] == "true" {
		score += 20
		desc += "; default community string (+20)"
	}
	return clamp(score), desc
}

// exposureScore grows with cross-zone connectivity and inbound traffic
// from higher-trust zones; a control-level device reachable from the
// enterprise zone is the worst case.
func exposureScore(d models.Device, conns []models.Connection, lookup func(string) (models.Device, bool)) (float64, string) {
	score := 10.0
	desc := "baseline 10"

	crossZone := 0
	fromHigherTrust := 0
	enterprisePath := false
	for _, c := range conns {
		peerID := c.TargetID
		inbound := false
		if peerID == d.ID {
			peerID = c.SourceID
			inbound = true
		}
		peer, ok := lookup(peerID)
		if !ok {
			continue
		}
		if classify.IsCrossZone(&d, &peer) {
			crossZone++
		}
		if inbound && peer.Zone.TrustLevel() > d.Zone.TrustLevel() {
			fromHigherTrust++
		}
		if peer.Zone == models.ZoneEnterprise &&
			(d.PurdueLevel == models.Level0 || d.PurdueLevel == models.Level1) {
			enterprisePath = true
		}
	}
	if crossZone > 0 {
		add := float64(crossZone) * 15
		if add > 45 {
			add = 45
		}
		score += add
		desc += fmt.Sprintf("; %d cross-zone connections (+%.0f)", crossZone, add)
	}
	if fromHigherTrust > 0 {
		add := float64(fromHigherTrust) * 10
		if add > 30 {
			add = 30
		}
		score += add
		desc += fmt.Sprintf("; %d inbound from higher-trust zones (+%.0f)", fromHigherTrust, add)
	}
	if enterprisePath {
		score += 25
		desc += "; direct enterprise reachability from control level (+25)"
	}
	return clamp(score), desc
}

// complianceScore checks the documented-zone and boundary-rule
// expectations drawn from NERC-CIP / IEC-62443 / NIST-CSF practice.
func complianceScore(d models.Device, conns []models.Connection, zones []models.ZoneDefinition, lookup func(string) (models.Device, bool)) (float64, string) {
	score := 10.0
	desc := "baseline 10"

	if !inDocumentedZone(d, zones) {
		score += 30
		desc += "; no documented zone covers the device subnet (+30)"
	}
	undocumented := 0
	for _, c := range conns {
		peerID := c.TargetID
		if peerID == d.ID {
			peerID = c.SourceID
		}
		peer, ok := lookup(peerID)
		if !ok {
			continue
		}
		if classify.IsCrossZone(&d, &peer) && !ruleCovers(c, zones) {
			undocumented++
		}
	}
	if undocumented > 0 {
		add := float64(undocumented) * 20
		if add > 60 {
			add = 60
		}
		score += add
		desc += fmt.Sprintf("; %d cross-zone connections without a documented firewall rule (+%.0f)", undocumented, add)
	}
	return clamp(score), desc
}

func inDocumentedZone(d models.Device, zones []models.ZoneDefinition) bool {
	for _, ni := range d.Interfaces {
		if ni.IPv4 == "" {
			continue
		}
		ip := net.ParseIP(ni.IPv4)
		if ip == nil {
			continue
		}
		for _, z := range zones {
			for _, cidr := range z.Subnets {
				if _, ipnet, err := net.ParseCIDR(cidr); err == nil && ipnet.Contains(ip) {
					return true
				}
			}
		}
	}
	return false
}

func ruleCovers(c models.Connection, zones []models.ZoneDefinition) bool {
	for _, z := range zones {
		for _, rule := range z.FirewallRules {
			if rule.Port != 0 && rule.Port != c.Port {
				continue
			}
			if rule.Protocol != "" && rule.Protocol != c.Protocol {
				continue
			}
			if rule.Action == "ALLOW" {
				return true
			}
		}
	}
	return false
}

func firmwareAgeYears(d models.Device) int {
	if v := d.Metadata["firmware_age_years"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func contains(haystack, needle string) bool {
	return needle != "" && strings.Contains(haystack, needle)
}
