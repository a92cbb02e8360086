// Package classify assigns Purdue levels and security zones using
// weighted scoring over device type, hostname, vendor, and subnet
// signals. Classification is deterministic: identical inputs always
// produce identical outcomes.
package classify

import (
	"net"
	"sort"

	"otwatch/config"
	"otwatch/models"
)

// Input is the identity evidence for one device.
type Input struct {
	Type     models.DeviceType
	Hostname string
	SysName  string
	SysDescr string
	Vendor   string
	MACs     []string
	IPs      []string
}

// Signal records one table hit for audit trails.
type Signal struct {
	Name   string             `json:"name"`
	Level  models.PurdueLevel `json:"level"`
	Points int                `json:"points"`
}

// Outcome is a classification decision. Matched is false when no
// signal fired and the enterprise default applied.
type Outcome struct {
	Level   models.PurdueLevel
	Zone    models.SecurityZone
	Matched bool
	Signals []Signal
}

type subnetRule struct {
	ipnet *net.IPNet
	level models.PurdueLevel
}

// Classifier holds the configured subnet hints on top of the fixed
// signal tables.
type Classifier struct {
	subnets []subnetRule
}

// New builds a classifier from the configured CIDR hints.
func New(hints []config.SubnetHint) (*Classifier, error) {
	c := &Classifier{}
	for _, h := range hints {
		_, ipnet, err := net.ParseCIDR(h.CIDR)
		if err != nil {
			return nil, models.E(models.KindConfiguration, "classify.subnet", err)
		}
		c.subnets = append(c.subnets, subnetRule{ipnet: ipnet, level: h.Level})
	}
	return c, nil
}

// Classify scores all four signals and picks the level with the most
// points, ties broken toward the higher (stricter) level. With no
// signal at all, the device defaults to the enterprise level.
func (c *Classifier) Classify(in Input) Outcome {
	scores := map[models.PurdueLevel]int{}
	var signals []Signal
	add := func(name string, level models.PurdueLevel, points int) {
		scores[level] += points
		signals = append(signals, Signal{Name: name, Level: level, Points: points})
	}

	if level, ok := deviceTypeLevels[in.Type]; ok {
		add("device_type", level, pointsDeviceType)
	}
	name := in.Hostname
	if name == "" {
		name = in.SysName
	}
	if name != "" {
		for _, rule := range hostnamePatterns {
			if rule.re.MatchString(name) {
				add("hostname", rule.level, pointsHostname)
				break
			}
		}
	}
	if level, ok := vendorLevel(in.Vendor, in.MACs); ok {
		add("vendor", level, pointsVendor)
	}
	if level, ok := c.subnetLevel(in.IPs); ok {
		add("subnet", level, pointsSubnet)
	}

	if len(scores) == 0 {
		return Outcome{Level: models.Level5, Zone: models.ZoneForLevel(models.Level5), Matched: false}
	}

	levels := make([]models.PurdueLevel, 0, len(scores))
	for l := range scores {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool {
		if scores[levels[i]] != scores[levels[j]] {
			return scores[levels[i]] > scores[levels[j]]
		}
		return levelRank(levels[i]) > levelRank(levels[j])
	})
	winner := levels[0]
	return Outcome{
		Level:   winner,
		Zone:    models.ZoneForLevel(winner),
		Matched: true,
		Signals: signals,
	}
}

func vendorLevel(vendor string, macs []string) (models.PurdueLevel, bool) {
	if vendor == "" {
		for _, mac := range macs {
			if v, ok := ouiVendors[models.OUI(mac)]; ok {
				vendor = v
				break
			}
		}
	}
	if vendor == "" {
		return "", false
	}
	if level, ok := otVendorLevels[vendor]; ok {
		return level, true
	}
	if level, ok := itVendorLevels[vendor]; ok {
		return level, true
	}
	return "", false
}

func (c *Classifier) subnetLevel(ips []string) (models.PurdueLevel, bool) {
	for _, raw := range ips {
		ip := net.ParseIP(raw)
		if ip == nil {
			continue
		}
		for _, rule := range c.subnets {
			if rule.ipnet.Contains(ip) {
				return rule.level, true
			}
		}
	}
	return "", false
}

// VendorByOUI resolves a vendor name from a canonical MAC prefix.
func VendorByOUI(mac string) string {
	return ouiVendors[models.OUI(mac)]
}

// InferVendor extracts a vendor name from free-form description text,
// falling back to the MAC OUI table.
func InferVendor(sysDescr string, macs []string) string {
	for _, rule := range vendorPatterns {
		if rule.re.MatchString(sysDescr) {
			return rule.vendor
		}
	}
	for _, mac := range macs {
		if v := ouiVendors[models.OUI(mac)]; v != "" {
			return v
		}
	}
	return ""
}

// InferDeviceType maps description text onto a device type, returning
// TypeUnknown when nothing matches.
func InferDeviceType(sysDescr, sysName string) models.DeviceType {
	for _, text := range []string{sysDescr, sysName} {
		if text == "" {
			continue
		}
		for _, rule := range descrPatterns {
			if rule.re.MatchString(text) {
				return rule.device
			}
		}
	}
	return models.TypeUnknown
}
