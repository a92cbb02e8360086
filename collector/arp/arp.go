// Package arp reads the local system ARP cache. Discovery is strictly
// passive: configured subnets only filter which observed entries are
// emitted, addresses are never probed.
package arp

import (
	"bufio"
	"context"
	"net"
	"os"
	"strings"
	"time"

	"otwatch/collector"
	"otwatch/config"
	"otwatch/models"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

const procNetARP = "/proc/net/arp"

// Collector reads the kernel ARP table each poll cycle.
type Collector struct {
	runner  *collector.Runner
	subnets []*net.IPNet
	path    string
	log     logging.Logger
}

// New builds the collector. Configured CIDRs restrict emission to
// already-observed addresses inside them.
func New(cfg config.ARPConfig, settings collector.Settings, sink collector.Sink, log logging.Logger, provider metrics.Provider) (*Collector, error) {
	var subnets []*net.IPNet
	for _, cidr := range cfg.Subnets {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, models.E(models.KindConfiguration, "arp.subnet", err)
		}
		subnets = append(subnets, ipnet)
	}
	runner, err := collector.NewRunner("arp", models.SourceARP, settings, sink, log, provider)
	if err != nil {
		return nil, err
	}
	return &Collector{runner: runner, subnets: subnets, path: procNetARP, log: log}, nil
}

func (c *Collector) Name() string                   { return "arp" }
func (c *Collector) Source() models.TelemetrySource { return models.SourceARP }
func (c *Collector) Status() collector.Status       { return c.runner.Status() }

func (c *Collector) Start(ctx context.Context) error {
	return c.runner.Start(ctx, c.poll)
}

func (c *Collector) Stop(ctx context.Context) error {
	return c.runner.Stop(ctx)
}

func (c *Collector) poll(ctx context.Context) error {
	entries, err := c.readCache()
	if err != nil {
		return err
	}
	c.runner.SetTargetCount(len(entries))
	if len(entries) == 0 {
		return nil
	}
	rec, err := models.NewRecord(&models.ARPPayload{Entries: entries}, time.Now().UTC())
	if err != nil {
		return err
	}
	c.runner.Emit(ctx, rec)
	return nil
}

// readCache parses /proc/net/arp. Format:
//
//	IP address  HW type  Flags  HW address  Mask  Device
func (c *Collector) readCache() ([]models.ARPEntry, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, models.E(models.KindCollector, "arp.read", err)
	}
	defer func() { _ = f.Close() }()

	var entries []models.ARPEntry
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false // header row
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		ip := fields[0]
		flags := fields[2]
		mac, err := models.CanonicalMAC(fields[3])
		if err != nil || mac == "00:00:00:00:00:00" {
			continue // incomplete entry
		}
		if !c.inScope(ip) {
			continue
		}
		entryType := "dynamic"
		if flags == "0x6" { // ATF_COM|ATF_PERM
			entryType = "static"
		}
		entries = append(entries, models.ARPEntry{
			IP:        ip,
			MAC:       mac,
			Interface: fields[5],
			EntryType: entryType,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, models.E(models.KindCollector, "arp.read", err)
	}
	return entries, nil
}

func (c *Collector) inScope(ip string) bool {
	if len(c.subnets) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, s := range c.subnets {
		if s.Contains(parsed) {
			return true
		}
	}
	return false
}
