package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalMAC(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"28:63:36:AA:BB:CC", "28:63:36:aa:bb:cc"},
		{"28-63-36-aa-bb-cc", "28:63:36:aa:bb:cc"},
		{"2863.36aa.bbcc", "28:63:36:aa:bb:cc"},
		{"286336aabbcc", "28:63:36:aa:bb:cc"},
		{"  286336AABBCC ", "28:63:36:aa:bb:cc"},
	}
	for _, tc := range cases {
		got, err := CanonicalMAC(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestCanonicalMACIdempotent(t *testing.T) {
	inputs := []string{"28:63:36:AA:BB:CC", "00-00-BC-01-02-03", "f4543312abcd"}
	for _, in := range inputs {
		once, err := CanonicalMAC(in)
		require.NoError(t, err)
		twice, err := CanonicalMAC(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)

		upper, err := CanonicalMAC(strings.ToUpper(in))
		require.NoError(t, err)
		lower, err := CanonicalMAC(strings.ToLower(in))
		require.NoError(t, err)
		assert.Equal(t, lower, upper)
	}
}

func TestCanonicalMACRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "28:63:36", "zz:zz:zz:zz:zz:zz", "28:63:36:aa:bb:cc:dd"} {
		_, err := CanonicalMAC(in)
		assert.Error(t, err, in)
	}
}

func TestPortBoundaries(t *testing.T) {
	assert.Error(t, ValidatePort(0))
	assert.Error(t, ValidatePort(65536))
	assert.NoError(t, ValidatePort(1))
	assert.NoError(t, ValidatePort(65535))
}

func TestVLANBoundaries(t *testing.T) {
	assert.Error(t, ValidateVLAN(0))
	assert.Error(t, ValidateVLAN(4095))
	assert.NoError(t, ValidateVLAN(1))
	assert.NoError(t, ValidateVLAN(4094))
}

func TestSyslogBoundaries(t *testing.T) {
	assert.False(t, ValidSyslogSeverity(8))
	assert.False(t, ValidSyslogSeverity(-1))
	assert.True(t, ValidSyslogSeverity(0))
	assert.True(t, ValidSyslogSeverity(7))
	assert.True(t, ValidSyslogFacility(23))
	assert.False(t, ValidSyslogFacility(24))
}

func TestZoneForLevel(t *testing.T) {
	cases := map[PurdueLevel]SecurityZone{
		Level0:   ZoneProcess,
		Level1:   ZoneControl,
		Level2:   ZoneSupervisory,
		Level3:   ZoneOperations,
		Level4:   ZoneEnterprise,
		Level5:   ZoneEnterprise,
		LevelDMZ: ZoneDMZ,
	}
	for level, zone := range cases {
		assert.Equal(t, zone, ZoneForLevel(level))
	}
}

func TestZoneTrustOrdering(t *testing.T) {
	assert.Equal(t, 0, ZoneUntrusted.TrustLevel())
	assert.Equal(t, 1, ZoneProcess.TrustLevel())
	assert.Equal(t, 2, ZoneControl.TrustLevel())
	assert.Equal(t, 3, ZoneSupervisory.TrustLevel())
	assert.Equal(t, 4, ZoneOperations.TrustLevel())
	assert.Equal(t, 5, ZoneDMZ.TrustLevel())
	assert.Equal(t, 6, ZoneEnterprise.TrustLevel())
}

func TestConnectionValidate(t *testing.T) {
	valid := Connection{SourceID: "a", TargetID: "b", Port: 502}
	assert.NoError(t, valid.Validate())

	self := Connection{SourceID: "a", TargetID: "a"}
	assert.Error(t, self.Validate())

	badPort := Connection{SourceID: "a", TargetID: "b", Port: 70000}
	assert.Error(t, badPort.Validate())

	badVLAN := Connection{SourceID: "a", TargetID: "b", VLAN: 4095}
	assert.Error(t, badVLAN.Validate())
}

func TestDeviceTouchNeverRegresses(t *testing.T) {
	now := time.Now()
	d := Device{DiscoveredAt: now, LastSeenAt: now}
	d.Touch(now.Add(-time.Hour))
	assert.Equal(t, now, d.LastSeenAt)
	d.Touch(now.Add(time.Hour))
	assert.Equal(t, now.Add(time.Hour), d.LastSeenAt)
	assert.True(t, !d.LastSeenAt.Before(d.DiscoveredAt))
}

func TestRiskAssessmentWeights(t *testing.T) {
	good := RiskAssessment{
		DeviceID:     "d",
		OverallScore: 56,
		Factors: []RiskFactor{
			{Name: "vulnerability", Category: RiskVulnerability, Score: 80, Weight: 0.35},
			{Name: "configuration", Category: RiskConfiguration, Score: 60, Weight: 0.25},
			{Name: "exposure", Category: RiskExposure, Score: 40, Weight: 0.25},
			{Name: "compliance", Category: RiskCompliance, Score: 20, Weight: 0.15},
		},
	}
	assert.NoError(t, good.Validate())

	bad := good
	bad.Factors = append([]RiskFactor(nil), good.Factors...)
	bad.Factors[0].Weight = 0.5
	assert.Error(t, bad.Validate())
}

func TestOUI(t *testing.T) {
	assert.Equal(t, "28:63:36", OUI("28:63:36:aa:bb:cc"))
	assert.Equal(t, "", OUI("short"))
}
