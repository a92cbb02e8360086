package classify

import "otwatch/models"

// boundaryTypes are the device roles sanctioned to bridge zones.
var boundaryTypes = map[models.DeviceType]bool{
	models.TypeFirewall:  true,
	models.TypeGateway:   true,
	models.TypeDataDiode: true,
}

// IsBoundaryDevice reports whether a device is an authorized zone
// bridge.
func IsBoundaryDevice(t models.DeviceType) bool { return boundaryTypes[t] }

// IsCrossZone applies the cross-zone connection rule to a direct edge:
// the endpoint zones differ by more than one trust level, or the edge
// crosses the DMZ boundary, and neither endpoint is an authorized
// boundary device.
func IsCrossZone(src, dst *models.Device) bool {
	if src == nil || dst == nil {
		return false
	}
	if IsBoundaryDevice(src.Type) || IsBoundaryDevice(dst.Type) {
		return false
	}
	srcTrust := src.Zone.TrustLevel()
	dstTrust := dst.Zone.TrustLevel()
	delta := srcTrust - dstTrust
	if delta < 0 {
		delta = -delta
	}
	if delta > 1 {
		return true
	}
	// Crossing into or out of the DMZ without a boundary device is a
	// violation regardless of trust distance.
	if (src.Zone == models.ZoneDMZ) != (dst.Zone == models.ZoneDMZ) {
		return true
	}
	return false
}
