package classify

import (
	"regexp"

	"otwatch/models"
)

// Signal weights. The winning level is the one accumulating the most
// points; ties break toward the higher level to fail safe toward
// stricter isolation.
const (
	pointsDeviceType = 40
	pointsHostname   = 25
	pointsVendor     = 20
	pointsSubnet     = 15
)

// deviceTypeLevels is the fixed device-type signal table.
var deviceTypeLevels = map[models.DeviceType]models.PurdueLevel{
	models.TypeSensor:     models.Level0,
	models.TypeActuator:   models.Level0,
	models.TypePLC:        models.Level1,
	models.TypeRTU:        models.Level1,
	models.TypeDCS:        models.Level1,
	models.TypeController: models.Level1,
	models.TypeSCADA:      models.Level2,
	models.TypeHMI:        models.Level2,
	models.TypeHistorian:  models.Level3,
	models.TypeMES:        models.Level3,
	models.TypeSwitch:     models.Level3,
	models.TypeRouter:     models.Level3,
	models.TypeFirewall:   models.LevelDMZ,
	models.TypeGateway:    models.LevelDMZ,
	models.TypeDataDiode:  models.LevelDMZ,
	models.TypeJumpServer: models.LevelDMZ,
}

type hostnameRule struct {
	re    *regexp.Regexp
	level models.PurdueLevel
}

// hostnamePatterns is checked in order; the first match wins so the
// more specific OT names take priority over generic IT ones.
var hostnamePatterns = []hostnameRule{
	{regexp.MustCompile(`(?i)(^|[-_])(sensor|xmtr|valve|drive)`), models.Level0},
	{regexp.MustCompile(`(?i)(^|[-_])(plc|rtu|dcs|ctrl)`), models.Level1},
	{regexp.MustCompile(`(?i)^(plc|rtu|dcs)`), models.Level1},
	{regexp.MustCompile(`(?i)(^|[-_])(scada|hmi|opstn)`), models.Level2},
	{regexp.MustCompile(`(?i)^(scada|hmi)`), models.Level2},
	{regexp.MustCompile(`(?i)(^|[-_])(hist|mes|eng|ews)`), models.Level3},
	{regexp.MustCompile(`(?i)(^|[-_])(erp|sap)`), models.Level4},
	{regexp.MustCompile(`(?i)(^|[-_])(mail|web|dc|ad)\d`), models.Level5},
	{regexp.MustCompile(`(?i)(^|[-_])(dmz|jump|fw|gw)`), models.LevelDMZ},
}

// ouiVendors maps MAC vendor prefixes to vendor names. OT automation
// vendors bias classification toward the control levels; general IT
// vendors toward the upper levels.
var ouiVendors = map[string]string{
	"28:63:36": "Siemens",
	"00:0e:8c": "Siemens",
	"00:1b:1b": "Siemens",
	"08:00:06": "Siemens",
	"00:00:bc": "Rockwell Automation",
	"00:1d:9c": "Rockwell Automation",
	"f4:54:33": "Rockwell Automation",
	"00:80:f4": "Schneider Electric",
	"00:a0:45": "Phoenix Contact",
	"00:40:84": "Honeywell",
	"00:00:0a": "Omron",
	"00:90:e8": "Moxa",
	"00:80:63": "Hirschmann",
	"00:15:17": "Intel",
	"00:50:56": "VMware",
	"00:14:22": "Dell",
	"00:1f:29": "HP",
	"00:1e:14": "Cisco",
	"00:23:04": "Cisco",
}

// otVendorLevels biases known automation vendors toward their usual
// home level.
var otVendorLevels = map[string]models.PurdueLevel{
	"Siemens":             models.Level1,
	"Rockwell Automation": models.Level1,
	"Schneider Electric":  models.Level1,
	"Phoenix Contact":     models.Level1,
	"Omron":               models.Level1,
	"Mitsubishi Electric": models.Level1,
	"Yokogawa":            models.Level1,
	"Emerson":             models.Level1,
	"ABB":                 models.Level1,
	"Honeywell":           models.Level2,
	"Moxa":                models.Level2,
	"Hirschmann":          models.Level2,
	"Belden":              models.Level2,
}

// itVendorLevels biases general IT vendors upward.
var itVendorLevels = map[string]models.PurdueLevel{
	"Cisco":     models.Level3,
	"Dell":      models.Level4,
	"HP":        models.Level4,
	"Intel":     models.Level4,
	"VMware":    models.Level4,
	"Microsoft": models.Level5,
}

type descrRule struct {
	re     *regexp.Regexp
	device models.DeviceType
}

// descrPatterns infer a device type from SNMP sysDescr/sysName text.
// Ordered most-specific first: a SCALANCE switch must not match the
// generic Siemens PLC rule.
var descrPatterns = []descrRule{
	{regexp.MustCompile(`(?i)scalance|catalyst|switch`), models.TypeSwitch},
	{regexp.MustCompile(`(?i)firewall|fortigate|asa adaptive|eagle`), models.TypeFirewall},
	{regexp.MustCompile(`(?i)router|ios.*gateway`), models.TypeRouter},
	{regexp.MustCompile(`(?i)data.?diode`), models.TypeDataDiode},
	{regexp.MustCompile(`(?i)simatic s7|s7-\d{3,4}|controllogix|compactlogix|micrologix|modicon|melsec|sysmac`), models.TypePLC},
	{regexp.MustCompile(`(?i)\bplc\b`), models.TypePLC},
	{regexp.MustCompile(`(?i)\brtu\b`), models.TypeRTU},
	{regexp.MustCompile(`(?i)\bdcs\b|deltav|experion`), models.TypeDCS},
	{regexp.MustCompile(`(?i)wincc|scada`), models.TypeSCADA},
	{regexp.MustCompile(`(?i)panelview|\bhmi\b|operator panel`), models.TypeHMI},
	{regexp.MustCompile(`(?i)historian|pi server|pi data archive`), models.TypeHistorian},
}

type vendorRule struct {
	re     *regexp.Regexp
	vendor string
}

var vendorPatterns = []vendorRule{
	{regexp.MustCompile(`(?i)siemens|simatic|scalance`), "Siemens"},
	{regexp.MustCompile(`(?i)rockwell|allen.?bradley|logix`), "Rockwell Automation"},
	{regexp.MustCompile(`(?i)schneider|modicon|telemecanique`), "Schneider Electric"},
	{regexp.MustCompile(`(?i)honeywell|experion`), "Honeywell"},
	{regexp.MustCompile(`(?i)yokogawa`), "Yokogawa"},
	{regexp.MustCompile(`(?i)emerson|deltav`), "Emerson"},
	{regexp.MustCompile(`(?i)omron|sysmac`), "Omron"},
	{regexp.MustCompile(`(?i)mitsubishi|melsec`), "Mitsubishi Electric"},
	{regexp.MustCompile(`(?i)\babb\b`), "ABB"},
	{regexp.MustCompile(`(?i)moxa`), "Moxa"},
	{regexp.MustCompile(`(?i)hirschmann`), "Hirschmann"},
	{regexp.MustCompile(`(?i)cisco|ios software`), "Cisco"},
	{regexp.MustCompile(`(?i)vmware`), "VMware"},
	{regexp.MustCompile(`(?i)microsoft|windows`), "Microsoft"},
}

// levelRank orders levels for the fail-safe tie break: higher rank
// wins, DMZ strictest of all.
func levelRank(l models.PurdueLevel) int {
	switch l {
	case models.Level0:
		return 0
	case models.Level1:
		return 1
	case models.Level2:
		return 2
	case models.Level3:
		return 3
	case models.Level4:
		return 4
	case models.Level5:
		return 5
	case models.LevelDMZ:
		return 6
	}
	return -1
}
