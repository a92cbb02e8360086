// Package correlate folds heterogeneous parsed observations into the
// single-device-per-identity topology invariant. All identity-mutating
// operations serialize through one actor goroutine; concurrent readers
// see a consistent view through the engine's read lock.
package correlate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"otwatch/classify"
	"otwatch/models"
	"otwatch/parser"
	"otwatch/telemetry/events"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

// Store is the persistence surface the engine writes through.
type Store interface {
	UpsertDevice(ctx context.Context, d *models.Device) error
	UpsertConnection(ctx context.Context, c *models.Connection) error
	CreateAlert(ctx context.Context, a *models.Alert) error
	RecordAudit(ctx context.Context, action string, details map[string]string) error
}

// Options wires the engine's collaborators.
type Options struct {
	Classifier *classify.Classifier
	Store      Store
	Log        logging.Logger
	Bus        events.Bus
	Metrics    metrics.Provider

	IPCacheSize int
	QueueSize   int

	// OnAlert receives every raised alert after persistence (transport
	// publication, notification fan-out).
	OnAlert func(models.Alert)
	// OnDeviceChange fires after any device attribute mutation; the
	// risk analyzer reassesses the device.
	OnDeviceChange func(deviceID string)

	// Now is the clock; tests override it.
	Now func() time.Time
}

// Engine is the single-writer correlation actor.
type Engine struct {
	opts Options

	in chan parser.Result

	mu      sync.RWMutex
	devices map[string]*models.Device
	byMAC   map[string]string
	byHost  map[string]string
	bySysNV map[string]string
	conns   map[string]*models.Connection

	crossZoneAlerted map[string]bool

	ips *ipCache

	changes int // accumulated since last snapshot

	mDevices metrics.Gauge
	mConns   metrics.Gauge
	mMerges  metrics.Counter
	mAlerts  metrics.Counter
}

// connKey is the connection upsert identity.
func connKey(srcID, dstID string, port int, protocol string) string {
	return fmt.Sprintf("%s|%s|%d|%s", srcID, dstID, port, protocol)
}

// New builds the engine.
func New(opts Options) (*Engine, error) {
	if opts.Classifier == nil || opts.Store == nil {
		return nil, models.E(models.KindConfiguration, "correlate.new",
			fmt.Errorf("classifier and store are required"))
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	ips, err := newIPCache(opts.IPCacheSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		opts:             opts,
		in:               make(chan parser.Result, opts.QueueSize),
		devices:          make(map[string]*models.Device),
		byMAC:            make(map[string]string),
		byHost:           make(map[string]string),
		bySysNV:          make(map[string]string),
		conns:            make(map[string]*models.Connection),
		crossZoneAlerted: make(map[string]bool),
		ips:              ips,
	}
	if opts.Metrics != nil {
		e.mDevices = opts.Metrics.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "topology", Name: "devices",
			Help: "Devices currently known"}})
		e.mConns = opts.Metrics.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "topology", Name: "connections",
			Help: "Connections currently known"}})
		e.mMerges = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "correlation", Name: "merges_total",
			Help: "Duplicate devices merged"}})
		e.mAlerts = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "correlation", Name: "alerts_total",
			Help: "Alerts raised", Labels: []string{"type"}}})
	}
	return e, nil
}

// SetOnDeviceChange installs the device-change hook after
// construction; the risk analyzer is built later in the wiring order.
// Call before Run.
func (e *Engine) SetOnDeviceChange(fn func(deviceID string)) {
	e.opts.OnDeviceChange = fn
}

// Submit queues one parsed result for the actor. Blocks only when the
// queue is full, respecting ctx.
func (e *Engine) Submit(ctx context.Context, res parser.Result) error {
	select {
	case e.in <- res:
		return nil
	case <-ctx.Done():
		return models.E(models.KindTimeout, "correlate.submit", ctx.Err())
	}
}

// Run is the actor loop. It owns every mutation; it returns when ctx
// is cancelled after draining what is already queued.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain without blocking so shutdown is prompt.
			for {
				select {
				case res := <-e.in:
					e.apply(context.Background(), res)
				default:
					return
				}
			}
		case res := <-e.in:
			e.apply(ctx, res)
		}
	}
}

func (e *Engine) apply(ctx context.Context, res parser.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var changedDevices []string
	for _, obs := range res.Devices {
		if id := e.applyObservation(ctx, obs); id != "" {
			changedDevices = append(changedDevices, id)
		}
	}
	for _, flow := range res.Flows {
		e.applyFlow(ctx, flow)
	}
	for _, n := range res.Neighbors {
		e.applyNeighbor(ctx, n)
	}
	for _, sec := range res.Security {
		e.applySecurity(ctx, sec)
	}
	e.updateGauges()

	if e.opts.OnDeviceChange != nil {
		for _, id := range changedDevices {
			e.opts.OnDeviceChange(id)
		}
	}
}

// applyObservation resolves identity in the fixed order (MAC, IP,
// hostname, sysName+vendor) and creates, updates, or merges. Returns
// the device id when an attribute actually changed.
func (e *Engine) applyObservation(ctx context.Context, obs parser.DeviceObservation) string {
	candidates := e.resolve(obs)

	switch len(candidates) {
	case 0:
		return e.createDevice(ctx, obs)
	case 1:
		return e.updateDevice(ctx, candidates[0], obs)
	default:
		survivor := e.mergeDevices(ctx, candidates)
		return e.updateDevice(ctx, survivor, obs)
	}
}

// resolve returns matching device ids in resolution-priority order,
// deduplicated.
func (e *Engine) resolve(obs parser.DeviceObservation) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, mac := range obs.MACs {
		add(e.byMAC[mac])
	}
	for _, ip := range obs.IPs {
		if id, ok := e.ips.get(ip); ok {
			if _, alive := e.devices[id]; alive {
				add(id)
			}
		}
	}
	if obs.Hostname != "" {
		add(e.byHost[obs.Hostname])
	}
	if obs.SysName != "" && obs.Vendor != "" {
		add(e.bySysNV[obs.SysName+"|"+obs.Vendor])
	}
	return out
}

func (e *Engine) createDevice(ctx context.Context, obs parser.DeviceObservation) string {
	now := e.opts.Now()
	at := obs.Timestamp
	if at.IsZero() {
		at = now
	}

	vendor := obs.Vendor
	if vendor == "" {
		vendor = classify.InferVendor(obs.SysDescr, obs.MACs)
	}
	devType := obs.TypeHint
	if devType == "" || devType == models.TypeUnknown {
		devType = classify.InferDeviceType(obs.SysDescr, obs.SysName)
	}

	d := &models.Device{
		ID:           uuid.NewString(),
		Name:         deviceName(obs),
		Hostname:     obs.Hostname,
		Type:         devType,
		Vendor:       vendor,
		Model:        obs.Model,
		Firmware:     obs.Firmware,
		Serial:       obs.Serial,
		Status:       models.StatusOnline,
		Location:     obs.Location,
		Metadata:     cloneMeta(obs.Metadata),
		DiscoveredAt: at,
		LastSeenAt:   at,
	}
	for _, ni := range obs.Interfaces {
		d.Interfaces = append(d.Interfaces, ni)
	}
	for _, mac := range obs.MACs {
		if d.InterfaceByMAC(mac) == nil {
			d.Interfaces = append(d.Interfaces, models.NetworkInterface{MAC: mac})
		}
	}

	outcome := e.opts.Classifier.Classify(classify.Input{
		Type:     d.Type,
		Hostname: d.Hostname,
		SysName:  obs.SysName,
		SysDescr: obs.SysDescr,
		Vendor:   d.Vendor,
		MACs:     obs.MACs,
		IPs:      obs.IPs,
	})
	d.PurdueLevel = outcome.Level
	d.Zone = outcome.Zone

	e.indexDevice(d, obs)
	e.devices[d.ID] = d
	e.changes++

	if err := e.opts.Store.UpsertDevice(ctx, d); err != nil {
		e.opts.Log.ErrorCtx(ctx, "device persist failed", "device", d.ID, "error", err)
	}
	e.raiseAlert(ctx, models.Alert{
		Type:        models.AlertNewDevice,
		Severity:    models.SeverityInfo,
		Title:       fmt.Sprintf("New device discovered: %s", d.Name),
		Description: fmt.Sprintf("Discovered via %s at Purdue level %s", obs.Source, d.PurdueLevel),
		DeviceID:    d.ID,
		Details: map[string]string{
			"source": string(obs.Source),
			"level":  string(d.PurdueLevel),
			"zone":   string(d.Zone),
		},
	})
	e.publishEvent(events.Event{
		Category: events.CategoryCorrelation, Type: "device_created",
		Labels: map[string]string{"device": d.ID, "level": string(d.PurdueLevel)},
	})
	return d.ID
}

// updateDevice merges the observation into an existing device:
// interfaces union by MAC, lastSeen advances, empty attributes fill.
// Authoritative sources (SNMP, manual entry) may correct non-empty
// identity attributes; weaker signals never do.
func (e *Engine) updateDevice(ctx context.Context, id string, obs parser.DeviceObservation) string {
	d := e.devices[id]
	if d == nil {
		return ""
	}
	at := obs.Timestamp
	if at.IsZero() {
		at = e.opts.Now()
	}
	changed := false

	d.Touch(at)
	authoritative := obs.Source == models.SourceSNMP || obs.Source == models.SourceManual

	setStr := func(dst *string, v string) {
		if v == "" {
			return
		}
		if *dst == "" || (authoritative && *dst != v) {
			*dst = v
			changed = true
		}
	}
	setStr(&d.Hostname, obs.Hostname)
	setStr(&d.Vendor, obs.Vendor)
	setStr(&d.Model, obs.Model)
	setStr(&d.Firmware, obs.Firmware)
	setStr(&d.Serial, obs.Serial)
	setStr(&d.Location, obs.Location)

	if d.Type == "" || d.Type == models.TypeUnknown {
		inferred := obs.TypeHint
		if inferred == "" || inferred == models.TypeUnknown {
			inferred = classify.InferDeviceType(obs.SysDescr, obs.SysName)
		}
		if inferred != "" && inferred != models.TypeUnknown {
			d.Type = inferred
			changed = true
		}
	}

	for _, ni := range obs.Interfaces {
		if existing := d.InterfaceByMAC(ni.MAC); existing != nil {
			if ni.IPv4 != "" {
				existing.IPv4 = ni.IPv4
			}
			if ni.Netmask != "" {
				existing.Netmask = ni.Netmask
			}
			if ni.Name != "" {
				existing.Name = ni.Name
			}
			if ni.OperStatus != "" {
				existing.OperStatus = ni.OperStatus
			}
			if ni.AdminStatus != "" {
				existing.AdminStatus = ni.AdminStatus
			}
			continue
		}
		d.Interfaces = append(d.Interfaces, ni)
		changed = true
	}
	for _, mac := range obs.MACs {
		if d.InterfaceByMAC(mac) == nil {
			d.Interfaces = append(d.Interfaces, models.NetworkInterface{MAC: mac})
			changed = true
		}
	}

	e.indexDevice(d, obs)

	if changed {
		e.reclassify(ctx, d, obs)
	}
	if err := e.opts.Store.UpsertDevice(ctx, d); err != nil {
		e.opts.Log.ErrorCtx(ctx, "device persist failed", "device", d.ID, "error", err)
	}
	if changed {
		return d.ID
	}
	return ""
}

// reclassify recomputes level and zone after identity changes; the
// zone always follows the level.
func (e *Engine) reclassify(ctx context.Context, d *models.Device, obs parser.DeviceObservation) {
	outcome := e.opts.Classifier.Classify(classify.Input{
		Type:     d.Type,
		Hostname: d.Hostname,
		SysName:  obs.SysName,
		SysDescr: obs.SysDescr,
		Vendor:   d.Vendor,
		MACs:     macsOf(d),
		IPs:      obs.IPs,
	})
	if outcome.Level != d.PurdueLevel {
		e.opts.Log.InfoCtx(ctx, "device reclassified",
			"device", d.ID, "from", string(d.PurdueLevel), "to", string(outcome.Level))
		d.PurdueLevel = outcome.Level
		d.Zone = outcome.Zone
		e.changes++
	}
}

// mergeDevices folds all older candidates into the newest, repointing
// indexes and the IP cache atomically with respect to readers.
func (e *Engine) mergeDevices(ctx context.Context, ids []string) string {
	newest := ids[0]
	for _, id := range ids[1:] {
		if d := e.devices[id]; d != nil && e.devices[newest] != nil &&
			d.DiscoveredAt.After(e.devices[newest].DiscoveredAt) {
			newest = id
		}
	}
	survivor := e.devices[newest]
	for _, id := range ids {
		if id == newest {
			continue
		}
		victim := e.devices[id]
		if victim == nil {
			continue
		}
		mergeAttributes(survivor, victim)
		for _, ni := range victim.Interfaces {
			if survivor.InterfaceByMAC(ni.MAC) == nil {
				survivor.Interfaces = append(survivor.Interfaces, ni)
			}
		}
		if victim.DiscoveredAt.Before(survivor.DiscoveredAt) {
			survivor.DiscoveredAt = victim.DiscoveredAt
		}
		survivor.Touch(victim.LastSeenAt)

		delete(e.devices, id)
		for mac, devID := range e.byMAC {
			if devID == id {
				e.byMAC[mac] = newest
			}
		}
		for host, devID := range e.byHost {
			if devID == id {
				e.byHost[host] = newest
			}
		}
		for key, devID := range e.bySysNV {
			if devID == id {
				e.bySysNV[key] = newest
			}
		}
		e.ips.repoint(id, newest)
		e.repointConnections(id, newest)

		if e.mMerges != nil {
			e.mMerges.Inc(1)
		}
		details := map[string]string{"merged": id, "into": newest}
		if err := e.opts.Store.RecordAudit(ctx, "device_merge", details); err != nil {
			e.opts.Log.WarnCtx(ctx, "merge audit failed", "error", err)
		}
		e.publishEvent(events.Event{
			Category: events.CategoryCorrelation, Type: "merge",
			Labels: details,
		})
	}
	e.changes++
	return newest
}

func (e *Engine) repointConnections(oldID, newID string) {
	for key, c := range e.conns {
		moved := false
		if c.SourceID == oldID {
			c.SourceID = newID
			moved = true
		}
		if c.TargetID == oldID {
			c.TargetID = newID
			moved = true
		}
		if !moved {
			continue
		}
		delete(e.conns, key)
		if c.SourceID == c.TargetID {
			continue // merged endpoints collapse to a self-edge: drop
		}
		e.conns[connKey(c.SourceID, c.TargetID, c.Port, c.Protocol)] = c
	}
}

func (e *Engine) indexDevice(d *models.Device, obs parser.DeviceObservation) {
	for _, mac := range obs.MACs {
		e.byMAC[mac] = d.ID
	}
	for _, ni := range d.Interfaces {
		if ni.MAC != "" {
			e.byMAC[ni.MAC] = d.ID
		}
	}
	for _, ip := range obs.IPs {
		e.ips.put(ip, d.ID)
	}
	if d.Hostname != "" {
		e.byHost[d.Hostname] = d.ID
	}
	if obs.SysName != "" && d.Vendor != "" {
		e.bySysNV[obs.SysName+"|"+d.Vendor] = d.ID
	}
}

func (e *Engine) applySecurity(ctx context.Context, sec parser.SecurityObservation) {
	deviceID := ""
	if sec.Hostname != "" {
		if id, ok := e.byHost[sec.Hostname]; ok {
			deviceID = id
		} else if id, ok := e.ips.get(sec.Hostname); ok {
			if _, alive := e.devices[id]; alive {
				deviceID = id
			}
		}
	}
	e.raiseAlert(ctx, models.Alert{
		Type:        models.AlertSecurityViolation,
		Severity:    syslogAlertSeverity(sec.Severity),
		Title:       fmt.Sprintf("Security event from %s", orUnknown(sec.Hostname)),
		Description: sec.Message,
		DeviceID:    deviceID,
		Details: map[string]string{
			"syslog_severity": fmt.Sprintf("%d", sec.Severity),
			"facility":        fmt.Sprintf("%d", sec.Facility),
			"app":             sec.AppName,
		},
	})
}

// raiseAlert persists then fans the alert out. Alerts for one device
// keep creation order because the actor is the only writer.
func (e *Engine) raiseAlert(ctx context.Context, a models.Alert) {
	a.ID = uuid.NewString()
	a.CreatedAt = e.opts.Now()
	if err := e.opts.Store.CreateAlert(ctx, &a); err != nil {
		e.opts.Log.ErrorCtx(ctx, "alert persist failed", "type", string(a.Type), "error", err)
	}
	if e.mAlerts != nil {
		e.mAlerts.Inc(1, string(a.Type))
	}
	if e.opts.OnAlert != nil {
		e.opts.OnAlert(a)
	}
}

func (e *Engine) publishEvent(ev events.Event) {
	if e.opts.Bus != nil {
		_ = e.opts.Bus.Publish(ev)
	}
}

func (e *Engine) updateGauges() {
	if e.mDevices != nil {
		e.mDevices.Set(float64(len(e.devices)))
	}
	if e.mConns != nil {
		e.mConns.Set(float64(len(e.conns)))
	}
}

func mergeAttributes(dst, src *models.Device) {
	if dst.Hostname == "" {
		dst.Hostname = src.Hostname
	}
	if dst.Vendor == "" {
		dst.Vendor = src.Vendor
	}
	if dst.Model == "" {
		dst.Model = src.Model
	}
	if dst.Firmware == "" {
		dst.Firmware = src.Firmware
	}
	if dst.Serial == "" {
		dst.Serial = src.Serial
	}
	if dst.Location == "" {
		dst.Location = src.Location
	}
	if dst.Type == models.TypeUnknown || dst.Type == "" {
		dst.Type = src.Type
	}
}

func macsOf(d *models.Device) []string {
	out := make([]string, 0, len(d.Interfaces))
	for _, ni := range d.Interfaces {
		if ni.MAC != "" {
			out = append(out, ni.MAC)
		}
	}
	return out
}

func deviceName(obs parser.DeviceObservation) string {
	switch {
	case obs.Hostname != "":
		return obs.Hostname
	case obs.SysName != "":
		return obs.SysName
	case len(obs.IPs) > 0:
		return "device-" + obs.IPs[0]
	case len(obs.MACs) > 0:
		return "device-" + obs.MACs[0]
	}
	return "device-unknown"
}

func cloneMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown host"
	}
	return s
}

func syslogAlertSeverity(sev int) models.AlertSeverity {
	switch {
	case sev <= 1:
		return models.SeverityCritical
	case sev == 2:
		return models.SeverityHigh
	case sev == 3:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
