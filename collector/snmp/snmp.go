// Package snmp polls SNMPv3 agents for system identity, interfaces,
// ARP bindings, bridge forwarding tables, LLDP neighbors, and entity
// identification. Production deployments require the authPriv
// security level.
package snmp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"otwatch/collector"
	"otwatch/config"
	"otwatch/models"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

// MIB subtrees walked per target, in collection order.
const (
	oidSysDescr    = ".1.3.6.1.2.1.1.1.0"
	oidSysObjectID = ".1.3.6.1.2.1.1.2.0"
	oidSysUpTime   = ".1.3.6.1.2.1.1.3.0"
	oidSysName     = ".1.3.6.1.2.1.1.5.0"
	oidSysLocation = ".1.3.6.1.2.1.1.6.0"
	oidSysServices = ".1.3.6.1.2.1.1.7.0"

	oidIfIndex       = ".1.3.6.1.2.1.2.2.1.1"
	oidIfDescr       = ".1.3.6.1.2.1.2.2.1.2"
	oidIfType        = ".1.3.6.1.2.1.2.2.1.3"
	oidIfSpeed       = ".1.3.6.1.2.1.2.2.1.5"
	oidIfPhysAddress = ".1.3.6.1.2.1.2.2.1.6"
	oidIfAdminStatus = ".1.3.6.1.2.1.2.2.1.7"
	oidIfOperStatus  = ".1.3.6.1.2.1.2.2.1.8"
	oidIfInOctets    = ".1.3.6.1.2.1.2.2.1.10"
	oidIfOutOctets   = ".1.3.6.1.2.1.2.2.1.16"

	oidIPAdEntIfIndex = ".1.3.6.1.2.1.4.20.1.2"
	oidIPAdEntNetMask = ".1.3.6.1.2.1.4.20.1.3"

	oidIPNetToMediaPhys = ".1.3.6.1.2.1.4.22.1.2"
	oidIPNetToMediaType = ".1.3.6.1.2.1.4.22.1.4"

	oidDot1dTpFdbAddress = ".1.3.6.1.2.1.17.4.3.1.1"
	oidDot1dTpFdbPort    = ".1.3.6.1.2.1.17.4.3.1.2"

	oidLldpRemChassisID = ".1.0.8802.1.1.2.1.4.1.1.5"
	oidLldpRemPortID    = ".1.0.8802.1.1.2.1.4.1.1.7"
	oidLldpRemSysName   = ".1.0.8802.1.1.2.1.4.1.1.9"
	oidLldpRemSysDescr  = ".1.0.8802.1.1.2.1.4.1.1.10"

	oidEntPhysicalSoftwareRev = ".1.3.6.1.2.1.47.1.1.1.1.10"
	oidEntPhysicalSerialNum   = ".1.3.6.1.2.1.47.1.1.1.1.11"
	oidEntPhysicalMfgName     = ".1.3.6.1.2.1.47.1.1.1.1.12"
	oidEntPhysicalModelName   = ".1.3.6.1.2.1.47.1.1.1.1.13"
)

const defaultPort = 161

// Collector polls a fixed target set over SNMPv3.
type Collector struct {
	runner *collector.Runner
	cfg    config.SNMPConfig
	log    logging.Logger
}

// New builds the collector. Target credentials are validated here so a
// mis-keyed target fails the process at startup, not mid-poll.
func New(cfg config.SNMPConfig, settings collector.Settings, sink collector.Sink, log logging.Logger, provider metrics.Provider) (*Collector, error) {
	settings.Timeout = cfg.Timeout
	settings.Retries = cfg.Retries
	if settings.Timeout == 0 {
		settings.Timeout = 5 * time.Second
	}
	for _, t := range cfg.Targets {
		if len(t.AuthKey) < 8 || len(t.PrivKey) < 8 {
			return nil, models.E(models.KindConfiguration, "snmp.target",
				fmt.Errorf("target %s: auth and priv keys must be at least 8 characters", t.Host))
		}
		if _, err := authProtocol(t.AuthProtocol); err != nil {
			return nil, err
		}
		if _, err := privProtocol(t.PrivProtocol); err != nil {
			return nil, err
		}
	}
	runner, err := collector.NewRunner("snmp", models.SourceSNMP, settings, sink, log, provider)
	if err != nil {
		return nil, err
	}
	runner.SetTargetCount(len(cfg.Targets))
	return &Collector{runner: runner, cfg: cfg, log: log}, nil
}

func (c *Collector) Name() string                   { return "snmp" }
func (c *Collector) Source() models.TelemetrySource { return models.SourceSNMP }
func (c *Collector) Status() collector.Status       { return c.runner.Status() }

// Start begins the poll loop.
func (c *Collector) Start(ctx context.Context) error {
	return c.runner.Start(ctx, c.poll)
}

// Stop drains in-flight polls.
func (c *Collector) Stop(ctx context.Context) error {
	return c.runner.Stop(ctx)
}

// poll fans out over targets bounded by the concurrency budget. A
// failed target never blocks the others.
func (c *Collector) poll(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, target := range c.cfg.Targets {
		release, err := c.runner.Acquire(ctx)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(t config.SNMPTarget) {
			defer wg.Done()
			defer release()
			err := c.runner.Retry(ctx, "snmp.poll", func(ctx context.Context) error {
				return c.pollTarget(ctx, t)
			})
			if err != nil && ctx.Err() == nil {
				c.runner.RecordError(ctx, err)
			}
		}(target)
	}
	wg.Wait()
	return ctx.Err()
}

// pollTarget runs the fixed walk order against one agent. A walk that
// fails partway still emits what it collected with the partial flag.
func (c *Collector) pollTarget(ctx context.Context, t config.SNMPTarget) error {
	g, err := c.session(ctx, t)
	if err != nil {
		return err
	}
	if err := g.Connect(); err != nil {
		return models.E(models.KindCollector, "snmp.connect",
			fmt.Errorf("target %s: %w", t.Host, err))
	}
	defer func() { _ = g.Conn.Close() }()

	payload := &models.SNMPPayload{Target: t.Host}
	walkErr := c.walkTarget(ctx, g, payload)
	if walkErr != nil {
		payload.Partial = true
	}

	rec, err := models.NewRecord(payload, time.Now().UTC())
	if err != nil {
		return err
	}
	if payload.Partial {
		rec.Metadata = map[string]string{"partial": "true"}
	}
	c.runner.Emit(ctx, rec)
	return walkErr
}

func (c *Collector) walkTarget(ctx context.Context, g *gosnmp.GoSNMP, p *models.SNMPPayload) error {
	if err := c.collectSystem(g, p); err != nil {
		return err
	}
	if err := c.collectInterfaces(g, p); err != nil {
		return err
	}
	if err := c.collectAddresses(g, p); err != nil {
		return err
	}
	if err := c.collectARP(g, p); err != nil {
		return err
	}
	if err := c.collectBridgeFDB(g, p); err != nil {
		return err
	}
	if err := c.collectLLDP(g, p); err != nil {
		return err
	}
	return c.collectEntity(g, p)
}

func (c *Collector) session(ctx context.Context, t config.SNMPTarget) (*gosnmp.GoSNMP, error) {
	port := t.Port
	if port == 0 {
		port = defaultPort
	}
	auth, err := authProtocol(t.AuthProtocol)
	if err != nil {
		return nil, err
	}
	priv, err := privProtocol(t.PrivProtocol)
	if err != nil {
		return nil, err
	}
	flags := gosnmp.AuthPriv
	switch c.cfg.SecurityLevel {
	case "noAuthNoPriv":
		flags = gosnmp.NoAuthNoPriv
	case "authNoPriv":
		flags = gosnmp.AuthNoPriv
	}
	return &gosnmp.GoSNMP{
		Context:       ctx,
		Target:        t.Host,
		Port:          uint16(port),
		Version:       gosnmp.Version3,
		Timeout:       c.cfg.Timeout,
		Retries:       0, // retry policy belongs to the runner
		SecurityModel: gosnmp.UserSecurityModel,
		MsgFlags:      flags,
		SecurityParameters: &gosnmp.UsmSecurityParameters{
			UserName:                 t.SecurityName,
			AuthenticationProtocol:   auth,
			AuthenticationPassphrase: t.AuthKey,
			PrivacyProtocol:          priv,
			PrivacyPassphrase:        t.PrivKey,
		},
	}, nil
}

func (c *Collector) collectSystem(g *gosnmp.GoSNMP, p *models.SNMPPayload) error {
	oids := []string{oidSysDescr, oidSysObjectID, oidSysUpTime, oidSysName, oidSysLocation, oidSysServices}
	pkt, err := g.Get(oids)
	if err != nil {
		return models.E(models.KindCollector, "snmp.system", err)
	}
	for _, pdu := range pkt.Variables {
		switch pdu.Name {
		case oidSysDescr:
			p.SysDescr = pduString(pdu)
		case oidSysObjectID:
			p.SysObjectID = pduString(pdu)
		case oidSysUpTime:
			p.SysUpTime = uint32(pduUint(pdu))
		case oidSysName:
			p.SysName = pduString(pdu)
		case oidSysLocation:
			p.SysLocation = pduString(pdu)
		case oidSysServices:
			p.SysServices = int(pduUint(pdu))
		}
	}
	return nil
}

func (c *Collector) collectInterfaces(g *gosnmp.GoSNMP, p *models.SNMPPayload) error {
	rows := map[int]*models.SNMPInterface{}
	iface := func(index int) *models.SNMPInterface {
		if it, ok := rows[index]; ok {
			return it
		}
		it := &models.SNMPInterface{Index: index}
		rows[index] = it
		return it
	}
	columns := []struct {
		oid   string
		apply func(it *models.SNMPInterface, pdu gosnmp.SnmpPDU)
	}{
		{oidIfDescr, func(it *models.SNMPInterface, pdu gosnmp.SnmpPDU) { it.Descr = pduString(pdu) }},
		{oidIfType, func(it *models.SNMPInterface, pdu gosnmp.SnmpPDU) { it.IfType = int(pduUint(pdu)) }},
		{oidIfSpeed, func(it *models.SNMPInterface, pdu gosnmp.SnmpPDU) { it.SpeedBps = pduUint(pdu) }},
		{oidIfPhysAddress, func(it *models.SNMPInterface, pdu gosnmp.SnmpPDU) {
			if mac, err := models.CanonicalMAC(pduHex(pdu)); err == nil {
				it.PhysAddress = mac
			}
		}},
		{oidIfAdminStatus, func(it *models.SNMPInterface, pdu gosnmp.SnmpPDU) { it.AdminStatus = int(pduUint(pdu)) }},
		{oidIfOperStatus, func(it *models.SNMPInterface, pdu gosnmp.SnmpPDU) { it.OperStatus = int(pduUint(pdu)) }},
		{oidIfInOctets, func(it *models.SNMPInterface, pdu gosnmp.SnmpPDU) { it.InOctets = pduUint(pdu) }},
		{oidIfOutOctets, func(it *models.SNMPInterface, pdu gosnmp.SnmpPDU) { it.OutOctets = pduUint(pdu) }},
	}
	for _, col := range columns {
		pdus, err := g.BulkWalkAll(col.oid)
		if err != nil {
			return models.E(models.KindCollector, "snmp.interfaces", err)
		}
		for _, pdu := range pdus {
			col.apply(iface(lastIndex(pdu.Name)), pdu)
		}
	}
	for _, it := range rows {
		p.Interfaces = append(p.Interfaces, *it)
	}
	sortInterfaces(p.Interfaces)
	return nil
}

// collectAddresses attaches IP/netmask pairs to interface rows via
// ipAdEntIfIndex.
func (c *Collector) collectAddresses(g *gosnmp.GoSNMP, p *models.SNMPPayload) error {
	idxPDUs, err := g.BulkWalkAll(oidIPAdEntIfIndex)
	if err != nil {
		return models.E(models.KindCollector, "snmp.addresses", err)
	}
	maskPDUs, err := g.BulkWalkAll(oidIPAdEntNetMask)
	if err != nil {
		return models.E(models.KindCollector, "snmp.addresses", err)
	}
	masks := map[string]string{}
	for _, pdu := range maskPDUs {
		masks[ipSuffix(pdu.Name, oidIPAdEntNetMask)] = pduString(pdu)
	}
	for _, pdu := range idxPDUs {
		ip := ipSuffix(pdu.Name, oidIPAdEntIfIndex)
		ifIndex := int(pduUint(pdu))
		for i := range p.Interfaces {
			if p.Interfaces[i].Index == ifIndex {
				p.Interfaces[i].IPv4 = ip
				p.Interfaces[i].Netmask = masks[ip]
				break
			}
		}
	}
	return nil
}

func (c *Collector) collectARP(g *gosnmp.GoSNMP, p *models.SNMPPayload) error {
	physPDUs, err := g.BulkWalkAll(oidIPNetToMediaPhys)
	if err != nil {
		return models.E(models.KindCollector, "snmp.arp", err)
	}
	typePDUs, err := g.BulkWalkAll(oidIPNetToMediaType)
	if err != nil {
		return models.E(models.KindCollector, "snmp.arp", err)
	}
	types := map[string]int{}
	for _, pdu := range typePDUs {
		types[arpSuffix(pdu.Name, oidIPNetToMediaType)] = int(pduUint(pdu))
	}
	for _, pdu := range physPDUs {
		suffix := arpSuffix(pdu.Name, oidIPNetToMediaPhys)
		ip := arpIP(suffix)
		mac, err := models.CanonicalMAC(pduHex(pdu))
		if err != nil || ip == "" {
			continue
		}
		entryType := "dynamic"
		if types[suffix] == 4 {
			entryType = "static"
		}
		p.ARPEntries = append(p.ARPEntries, models.ARPEntry{IP: ip, MAC: mac, EntryType: entryType})
	}
	return nil
}

func (c *Collector) collectBridgeFDB(g *gosnmp.GoSNMP, p *models.SNMPPayload) error {
	addrPDUs, err := g.BulkWalkAll(oidDot1dTpFdbAddress)
	if err != nil {
		return models.E(models.KindCollector, "snmp.fdb", err)
	}
	portPDUs, err := g.BulkWalkAll(oidDot1dTpFdbPort)
	if err != nil {
		return models.E(models.KindCollector, "snmp.fdb", err)
	}
	ports := map[string]int{}
	for _, pdu := range portPDUs {
		ports[strings.TrimPrefix(pdu.Name, oidDot1dTpFdbPort)] = int(pduUint(pdu))
	}
	for _, pdu := range addrPDUs {
		mac, err := models.CanonicalMAC(pduHex(pdu))
		if err != nil {
			continue
		}
		suffix := strings.TrimPrefix(pdu.Name, oidDot1dTpFdbAddress)
		p.MACTable = append(p.MACTable, models.MACTableEntry{MAC: mac, Port: ports[suffix]})
	}
	return nil
}

func (c *Collector) collectLLDP(g *gosnmp.GoSNMP, p *models.SNMPPayload) error {
	neighbors := map[string]*models.LLDPNeighbor{}
	get := func(suffix string) *models.LLDPNeighbor {
		if n, ok := neighbors[suffix]; ok {
			return n
		}
		n := &models.LLDPNeighbor{}
		neighbors[suffix] = n
		return n
	}
	columns := []struct {
		oid   string
		apply func(n *models.LLDPNeighbor, pdu gosnmp.SnmpPDU)
	}{
		{oidLldpRemChassisID, func(n *models.LLDPNeighbor, pdu gosnmp.SnmpPDU) {
			if mac, err := models.CanonicalMAC(pduHex(pdu)); err == nil {
				n.ChassisID = mac
				n.ChassisIDType = "mac"
			} else {
				n.ChassisID = pduString(pdu)
			}
		}},
		{oidLldpRemPortID, func(n *models.LLDPNeighbor, pdu gosnmp.SnmpPDU) { n.PortID = pduString(pdu) }},
		{oidLldpRemSysName, func(n *models.LLDPNeighbor, pdu gosnmp.SnmpPDU) { n.SysName = pduString(pdu) }},
		{oidLldpRemSysDescr, func(n *models.LLDPNeighbor, pdu gosnmp.SnmpPDU) { n.SysDescr = pduString(pdu) }},
	}
	for _, col := range columns {
		pdus, err := g.BulkWalkAll(col.oid)
		if err != nil {
			// LLDP MIB support is optional on many field devices.
			if strings.HasPrefix(col.oid, oidLldpRemChassisID) {
				return nil
			}
			return models.E(models.KindCollector, "snmp.lldp", err)
		}
		for _, pdu := range pdus {
			col.apply(get(lldpSuffix(pdu.Name, col.oid)), pdu)
		}
	}
	for _, n := range neighbors {
		if n.ChassisID != "" {
			p.Neighbors = append(p.Neighbors, *n)
		}
	}
	return nil
}

func (c *Collector) collectEntity(g *gosnmp.GoSNMP, p *models.SNMPPayload) error {
	fields := []struct {
		oid string
		dst *string
	}{
		{oidEntPhysicalMfgName, &p.Entity.Vendor},
		{oidEntPhysicalModelName, &p.Entity.Model},
		{oidEntPhysicalSerialNum, &p.Entity.Serial},
		{oidEntPhysicalSoftwareRev, &p.Entity.Firmware},
	}
	for _, f := range fields {
		pdus, err := g.BulkWalkAll(f.oid)
		if err != nil {
			return models.E(models.KindCollector, "snmp.entity", err)
		}
		// First populated row wins: the chassis entry precedes modules.
		for _, pdu := range pdus {
			if v := pduString(pdu); v != "" {
				*f.dst = v
				break
			}
		}
	}
	return nil
}

func authProtocol(name string) (gosnmp.SnmpV3AuthProtocol, error) {
	switch strings.ToUpper(name) {
	case "MD5":
		return gosnmp.MD5, nil
	case "SHA", "SHA1":
		return gosnmp.SHA, nil
	case "SHA256":
		return gosnmp.SHA256, nil
	case "SHA384":
		return gosnmp.SHA384, nil
	case "SHA512":
		return gosnmp.SHA512, nil
	}
	return 0, models.E(models.KindConfiguration, "snmp.auth",
		fmt.Errorf("unsupported auth protocol %q", name))
}

func privProtocol(name string) (gosnmp.SnmpV3PrivProtocol, error) {
	switch strings.ToUpper(name) {
	case "DES":
		return gosnmp.DES, nil
	case "AES", "AES128":
		return gosnmp.AES, nil
	case "AES256":
		return gosnmp.AES256, nil
	}
	return 0, models.E(models.KindConfiguration, "snmp.priv",
		fmt.Errorf("unsupported privacy protocol %q", name))
}
