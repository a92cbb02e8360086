package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otwatch/config"
	"otwatch/models"
)

func newClassifier(t *testing.T, hints ...config.SubnetHint) *Classifier {
	t.Helper()
	c, err := New(hints)
	require.NoError(t, err)
	return c
}

func TestClassifySiemensPLC(t *testing.T) {
	c := newClassifier(t)
	out := c.Classify(Input{
		Type:     models.TypePLC,
		Hostname: "plc-line1",
		SysDescr: "Siemens SIMATIC S7-1500",
		Vendor:   "Siemens",
		MACs:     []string{"28:63:36:aa:bb:cc"},
	})
	assert.Equal(t, models.Level1, out.Level)
	assert.Equal(t, models.ZoneControl, out.Zone)
	assert.True(t, out.Matched)
}

func TestClassifyDeterministic(t *testing.T) {
	c := newClassifier(t, config.SubnetHint{CIDR: "10.20.0.0/16", Level: models.Level2})
	in := Input{
		Type:     models.TypeHMI,
		Hostname: "hmi-station-3",
		Vendor:   "Siemens",
		IPs:      []string{"10.20.1.9"},
	}
	first := c.Classify(in)
	for i := 0; i < 50; i++ {
		again := c.Classify(in)
		assert.Equal(t, first.Level, again.Level)
		assert.Equal(t, first.Zone, again.Zone)
	}
}

func TestClassifyDefaultsToEnterprise(t *testing.T) {
	c := newClassifier(t)
	out := c.Classify(Input{Type: models.TypeUnknown, Hostname: "0xdeadbeef"})
	assert.Equal(t, models.Level5, out.Level)
	assert.Equal(t, models.ZoneEnterprise, out.Zone)
	assert.False(t, out.Matched)
}

func TestClassifyTieBreaksTowardStricterLevel(t *testing.T) {
	c := newClassifier(t, config.SubnetHint{CIDR: "10.50.0.0/16", Level: models.Level1})
	// Device type historian scores 40 on L3; hostname (25) plus subnet
	// hint (15) score 40 on L1. The tie must resolve to the higher
	// level.
	out := c.Classify(Input{
		Type:     models.TypeHistorian,
		Hostname: "plc-adjacent",
		IPs:      []string{"10.50.3.3"},
	})
	assert.Equal(t, models.Level3, out.Level)
	assert.Equal(t, models.ZoneOperations, out.Zone)
}

func TestSubnetHintBiases(t *testing.T) {
	c := newClassifier(t, config.SubnetHint{CIDR: "192.168.10.0/24", Level: models.Level1})
	out := c.Classify(Input{IPs: []string{"192.168.10.40"}})
	assert.Equal(t, models.Level1, out.Level)
	assert.Equal(t, models.ZoneControl, out.Zone)
}

func TestHostnamePatterns(t *testing.T) {
	c := newClassifier(t)
	cases := map[string]models.PurdueLevel{
		"plc-area2":   models.Level1,
		"rtu_north":   models.Level1,
		"scada-main":  models.Level2,
		"hmi-line4":   models.Level2,
		"hist-plant":  models.Level3,
		"mes-sched":   models.Level3,
		"dmz-proxy":   models.LevelDMZ,
		"jump-host-1": models.LevelDMZ,
	}
	for host, want := range cases {
		out := c.Classify(Input{Hostname: host})
		assert.Equal(t, want, out.Level, host)
	}
}

func TestInferDeviceType(t *testing.T) {
	cases := []struct {
		descr string
		want  models.DeviceType
	}{
		{"Siemens SIMATIC S7-1500", models.TypePLC},
		{"Allen-Bradley ControlLogix 5580", models.TypePLC},
		{"Schneider Modicon M580", models.TypePLC},
		{"Siemens SCALANCE X208", models.TypeSwitch},
		{"Cisco Catalyst 2960", models.TypeSwitch},
		{"Wonderware SCADA node", models.TypeSCADA},
		{"PanelView Plus 7", models.TypeHMI},
		{"OSIsoft PI Server 2018", models.TypeHistorian},
		{"some random linux box", models.TypeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InferDeviceType(tc.descr, ""), tc.descr)
	}
}

func TestInferVendor(t *testing.T) {
	assert.Equal(t, "Siemens", InferVendor("Siemens SIMATIC S7-1500", nil))
	assert.Equal(t, "Rockwell Automation", InferVendor("Allen-Bradley CompactLogix", nil))
	assert.Equal(t, "Siemens", InferVendor("", []string{"28:63:36:aa:bb:cc"}))
	assert.Equal(t, "", InferVendor("mystery box", nil))
}

func TestVendorByOUI(t *testing.T) {
	assert.Equal(t, "Siemens", VendorByOUI("28:63:36:aa:bb:cc"))
	assert.Equal(t, "", VendorByOUI("ff:ff:ff:aa:bb:cc"))
}

func TestIsCrossZone(t *testing.T) {
	control := &models.Device{Type: models.TypePLC, Zone: models.ZoneControl}
	supervisory := &models.Device{Type: models.TypeHMI, Zone: models.ZoneSupervisory}
	enterprise := &models.Device{Type: models.TypeUnknown, Zone: models.ZoneEnterprise}
	dmzHost := &models.Device{Type: models.TypeJumpServer, Zone: models.ZoneDMZ}
	firewall := &models.Device{Type: models.TypeFirewall, Zone: models.ZoneDMZ}

	// Adjacent zones are allowed.
	assert.False(t, IsCrossZone(control, supervisory))
	// Control to enterprise skips four trust levels.
	assert.True(t, IsCrossZone(control, enterprise))
	// DMZ boundary without a boundary device.
	assert.True(t, IsCrossZone(supervisory, dmzHost))
	// A firewall endpoint sanctions the crossing.
	assert.False(t, IsCrossZone(control, firewall))
	assert.False(t, IsCrossZone(firewall, enterprise))
}
