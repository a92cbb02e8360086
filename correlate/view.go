package correlate

import (
	"otwatch/models"
)

// TopologyView is a point-in-time copy of the in-memory graph for
// readers outside the actor (risk analysis, health, diagnostics).
type TopologyView struct {
	Devices     []models.Device
	Connections []models.Connection
}

// View copies the current graph under the read lock.
func (e *Engine) View() TopologyView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v := TopologyView{
		Devices:     make([]models.Device, 0, len(e.devices)),
		Connections: make([]models.Connection, 0, len(e.conns)),
	}
	for _, d := range e.devices {
		v.Devices = append(v.Devices, *d)
	}
	for _, c := range e.conns {
		v.Connections = append(v.Connections, *c)
	}
	return v
}

// Device returns a copy of one device.
func (e *Engine) Device(id string) (models.Device, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.devices[id]
	if !ok {
		return models.Device{}, false
	}
	return *d, true
}

// ConnectionsFor returns copies of every connection touching the
// device.
func (e *Engine) ConnectionsFor(deviceID string) []models.Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []models.Connection
	for _, c := range e.conns {
		if c.SourceID == deviceID || c.TargetID == deviceID {
			out = append(out, *c)
		}
	}
	return out
}

// DeviceCount reports the devices currently known.
func (e *Engine) DeviceCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.devices)
}

// PendingChanges reports graph changes accumulated since the last
// snapshot reset.
func (e *Engine) PendingChanges() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.changes
}

// ResetChanges zeroes the change counter after a snapshot.
func (e *Engine) ResetChanges() {
	e.mu.Lock()
	e.changes = 0
	e.mu.Unlock()
}
