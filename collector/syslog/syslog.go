// Package syslog listens on UDP or TCP for RFC 5424 messages, falling
// back tolerantly to RFC 3164, and flags security events for the
// alerting path.
package syslog

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	syslogv4 "github.com/leodido/go-syslog/v4"
	"github.com/leodido/go-syslog/v4/rfc3164"
	"github.com/leodido/go-syslog/v4/rfc5424"

	"otwatch/collector"
	"otwatch/config"
	"otwatch/models"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

// securityKeywords flag a message as a security event regardless of
// severity. Matching is case-insensitive.
var securityKeywords = []string{"failed", "denied", "violation", "unauthorized", "attack", "malware"}

// Collector owns the listening socket and per-message parsing.
type Collector struct {
	runner *collector.Runner
	cfg    config.SyslogConfig
	log    logging.Logger

	udp *net.UDPConn
	tcp net.Listener

	parserMu sync.Mutex
	p5424    syslogv4.Machine
	p3164    syslogv4.Machine
}

// New builds the collector; sockets open on Start.
func New(cfg config.SyslogConfig, settings collector.Settings, sink collector.Sink, log logging.Logger, provider metrics.Provider) (*Collector, error) {
	runner, err := collector.NewRunner("syslog", models.SourceSyslog, settings, sink, log, provider)
	if err != nil {
		return nil, err
	}
	return &Collector{
		runner: runner,
		cfg:    cfg,
		log:    log,
		p5424:  rfc5424.NewParser(rfc5424.WithBestEffort()),
		p3164:  rfc3164.NewParser(rfc3164.WithBestEffort()),
	}, nil
}

func (c *Collector) Name() string                   { return "syslog" }
func (c *Collector) Source() models.TelemetrySource { return models.SourceSyslog }
func (c *Collector) Status() collector.Status       { return c.runner.Status() }

// Start opens the configured socket and launches the receive loop.
func (c *Collector) Start(ctx context.Context) error {
	switch c.cfg.Protocol {
	case "tcp":
		l, err := net.Listen("tcp", addrFor(c.cfg.Port))
		if err != nil {
			return models.E(models.KindCollector, "syslog.listen", err)
		}
		c.tcp = l
		if err := c.runner.Start(ctx, nil); err != nil {
			_ = l.Close()
			return err
		}
		c.runner.Go(ctx, c.acceptLoop)
	default:
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: c.cfg.Port})
		if err != nil {
			return models.E(models.KindCollector, "syslog.listen", err)
		}
		c.udp = conn
		if err := c.runner.Start(ctx, nil); err != nil {
			_ = conn.Close()
			return err
		}
		c.runner.Go(ctx, c.udpLoop)
	}
	c.log.InfoCtx(ctx, "syslog listening", "port", c.cfg.Port, "protocol", c.cfg.Protocol)
	return nil
}

// Stop closes sockets and drains.
func (c *Collector) Stop(ctx context.Context) error {
	if c.udp != nil {
		_ = c.udp.Close()
	}
	if c.tcp != nil {
		_ = c.tcp.Close()
	}
	return c.runner.Stop(ctx)
}

func (c *Collector) udpLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = c.udp.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.runner.RecordError(ctx, models.E(models.KindCollector, "syslog.read", err))
			continue
		}
		c.handleMessage(ctx, append([]byte(nil), buf[:n]...))
	}
}

func (c *Collector) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.tcp.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.runner.RecordError(ctx, models.E(models.KindCollector, "syslog.accept", err))
			return
		}
		c.runner.Go(ctx, func(ctx context.Context) {
			defer func() { _ = conn.Close() }()
			scanner := bufio.NewScanner(conn)
			scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
			for scanner.Scan() {
				if ctx.Err() != nil {
					return
				}
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				c.handleMessage(ctx, append([]byte(nil), line...))
			}
		})
	}
}

// handleMessage parses one raw message, prefering RFC 5424 and falling
// back to RFC 3164. Unparseable input is dropped with a counter.
func (c *Collector) handleMessage(ctx context.Context, raw []byte) {
	payload := c.parse(raw, time.Now().UTC())
	if payload == nil {
		c.runner.RecordError(ctx, models.E(models.KindValidation, "syslog.parse",
			errUnparseable))
		return
	}
	rec, err := models.NewRecord(payload, payload.Timestamp)
	if err != nil {
		c.runner.RecordError(ctx, err)
		return
	}
	rec.Raw = raw
	c.runner.MarkSuccess()
	c.runner.Emit(ctx, rec)
}

func (c *Collector) parse(raw []byte, received time.Time) *models.SyslogPayload {
	c.parserMu.Lock()
	defer c.parserMu.Unlock()

	if m, err := c.p5424.Parse(raw); err == nil && m != nil {
		if msg, ok := m.(*rfc5424.SyslogMessage); ok && msg.Valid() {
			return from5424(msg, received)
		}
	}
	if m, err := c.p3164.Parse(raw); err == nil && m != nil {
		if msg, ok := m.(*rfc3164.SyslogMessage); ok {
			return from3164(msg, received)
		}
	}
	return nil
}

func from5424(m *rfc5424.SyslogMessage, received time.Time) *models.SyslogPayload {
	p := &models.SyslogPayload{Timestamp: received}
	if m.Facility != nil {
		p.Facility = int(*m.Facility)
	}
	if m.Severity != nil {
		p.Severity = int(*m.Severity)
	}
	if m.Timestamp != nil {
		p.Timestamp = m.Timestamp.UTC()
	}
	if m.Hostname != nil {
		p.Hostname = *m.Hostname
	}
	if m.Appname != nil {
		p.AppName = *m.Appname
	}
	if m.ProcID != nil {
		p.ProcID = *m.ProcID
	}
	if m.MsgID != nil {
		p.MsgID = *m.MsgID
	}
	if m.Message != nil {
		p.Message = *m.Message
	}
	if m.StructuredData != nil {
		p.StructuredData = *m.StructuredData
	}
	p.SecurityEvent = IsSecurityEvent(p.Severity, p.Message)
	return p
}

func from3164(m *rfc3164.SyslogMessage, received time.Time) *models.SyslogPayload {
	p := &models.SyslogPayload{Timestamp: received}
	if m.Facility != nil {
		p.Facility = int(*m.Facility)
	}
	if m.Severity != nil {
		p.Severity = int(*m.Severity)
	}
	if m.Timestamp != nil {
		p.Timestamp = m.Timestamp.UTC()
	}
	if m.Hostname != nil {
		p.Hostname = *m.Hostname
	}
	if m.Appname != nil {
		p.AppName = *m.Appname
	}
	if m.ProcID != nil {
		p.ProcID = *m.ProcID
	}
	if m.Message != nil {
		p.Message = *m.Message
	}
	p.SecurityEvent = IsSecurityEvent(p.Severity, p.Message)
	return p
}

// IsSecurityEvent applies the fixed predicate: severity at error level
// or worse, or any security keyword in the message text.
func IsSecurityEvent(severity int, message string) bool {
	if severity <= 3 {
		return true
	}
	lower := strings.ToLower(message)
	for _, kw := range securityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// AlertSeverity maps a syslog severity to the alert severity scale.
func AlertSeverity(syslogSeverity int) models.AlertSeverity {
	switch {
	case syslogSeverity <= 1:
		return models.SeverityCritical
	case syslogSeverity == 2:
		return models.SeverityHigh
	case syslogSeverity == 3:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

var errUnparseable = errors.New("message matched neither RFC 5424 nor RFC 3164")

func addrFor(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}
