// Package routing reads the local kernel routing table. Route
// observations feed gateway and router inference in classification.
package routing

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"otwatch/collector"
	"otwatch/models"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

const procNetRoute = "/proc/net/route"

// Collector polls the kernel IPv4 routing table.
type Collector struct {
	runner *collector.Runner
	path   string
}

// New builds the collector.
func New(settings collector.Settings, sink collector.Sink, log logging.Logger, provider metrics.Provider) (*Collector, error) {
	runner, err := collector.NewRunner("routing", models.SourceRouting, settings, sink, log, provider)
	if err != nil {
		return nil, err
	}
	return &Collector{runner: runner, path: procNetRoute}, nil
}

func (c *Collector) Name() string                   { return "routing" }
func (c *Collector) Source() models.TelemetrySource { return models.SourceRouting }
func (c *Collector) Status() collector.Status       { return c.runner.Status() }

func (c *Collector) Start(ctx context.Context) error {
	return c.runner.Start(ctx, c.poll)
}

func (c *Collector) Stop(ctx context.Context) error {
	return c.runner.Stop(ctx)
}

func (c *Collector) poll(ctx context.Context) error {
	routes, err := c.readTable()
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		return nil
	}
	rec, err := models.NewRecord(&models.RoutingPayload{Routes: routes}, time.Now().UTC())
	if err != nil {
		return err
	}
	c.runner.Emit(ctx, rec)
	return nil
}

// readTable parses /proc/net/route: little-endian hex IPv4 columns
// Iface, Destination, Gateway, Flags, ..., Metric, Mask.
func (c *Collector) readTable() ([]models.RouteEntry, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, models.E(models.KindCollector, "routing.read", err)
	}
	defer func() { _ = f.Close() }()

	var routes []models.RouteEntry
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}
		dst, err := hexIPv4(fields[1])
		if err != nil {
			continue
		}
		gw, _ := hexIPv4(fields[2])
		metric, _ := strconv.Atoi(fields[6])
		mask := ""
		if len(fields) > 7 {
			mask, _ = hexIPv4(fields[7])
		}
		routes = append(routes, models.RouteEntry{
			Destination: dst,
			Mask:        mask,
			NextHop:     gw,
			Interface:   fields[0],
			Metric:      metric,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, models.E(models.KindCollector, "routing.read", err)
	}
	return routes, nil
}

func hexIPv4(s string) (string, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return "", fmt.Errorf("parse route column %q: %w", s, err)
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return net.IP(b).String(), nil
}
