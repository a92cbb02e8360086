// Package modbus polls Modbus TCP targets for declared register sets.
// A failed register read never aborts the rest of the target cycle.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"otwatch/collector"
	"otwatch/config"
	"otwatch/models"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

const defaultPort = 502

// Collector polls each configured target once per cycle.
type Collector struct {
	runner *collector.Runner
	cfg    config.ModbusConfig
	log    logging.Logger
}

// New builds the collector.
func New(cfg config.ModbusConfig, settings collector.Settings, sink collector.Sink, log logging.Logger, provider metrics.Provider) (*Collector, error) {
	runner, err := collector.NewRunner("modbus", models.SourceModbus, settings, sink, log, provider)
	if err != nil {
		return nil, err
	}
	runner.SetTargetCount(len(cfg.Targets))
	return &Collector{runner: runner, cfg: cfg, log: log}, nil
}

func (c *Collector) Name() string                   { return "modbus" }
func (c *Collector) Source() models.TelemetrySource { return models.SourceModbus }
func (c *Collector) Status() collector.Status       { return c.runner.Status() }

func (c *Collector) Start(ctx context.Context) error {
	return c.runner.Start(ctx, c.poll)
}

func (c *Collector) Stop(ctx context.Context) error {
	return c.runner.Stop(ctx)
}

func (c *Collector) poll(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, target := range c.cfg.Targets {
		release, err := c.runner.Acquire(ctx)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(t config.ModbusTarget) {
			defer wg.Done()
			defer release()
			err := c.runner.Retry(ctx, "modbus.poll", func(ctx context.Context) error {
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

func (c *Collector) pollTarget(ctx context.Context, t config.ModbusTarget) error {
	port := t.Port
	if port == 0 {
		port = defaultPort
	}
	handler := mb.NewTCPClientHandler(net.JoinHostPort(t.Host, strconv.Itoa(port)))
	handler.SlaveId = byte(t.UnitID)
	if deadline, ok := ctx.Deadline(); ok {
		handler.Timeout = time.Until(deadline)
	}
	if err := handler.Connect(); err != nil {
		return models.E(models.KindCollector, "modbus.connect",
			fmt.Errorf("target %s: %w", t.Host, err))
	}
	defer func() { _ = handler.Close() }()
	client := mb.NewClient(handler)

	payload := &models.ModbusPayload{Target: t.Host, UnitID: t.UnitID}
	for _, reg := range t.Registers {
		reading := c.readRegister(client, reg)
		payload.Readings = append(payload.Readings, reading)
	}
	rec, err := models.NewRecord(payload, time.Now().UTC())
	if err != nil {
		return err
	}
	c.runner.Emit(ctx, rec)
	return nil
}

// readRegister reads and decodes one declared register. Errors are
// recorded on the reading itself so the cycle continues.
func (c *Collector) readRegister(client mb.Client, reg config.ModbusRegister) models.ModbusReading {
	reading := models.ModbusReading{
		Name:     reg.Name,
		Address:  reg.Address,
		Kind:     reg.Kind,
		DataType: reg.DataType,
		Unit:     reg.Unit,
	}
	quantity := registerQuantity(reg.DataType)
	var (
		raw []byte
		err error
	)
	switch reg.Kind {
	case "coil":
		raw, err = client.ReadCoils(reg.Address, 1)
	case "discrete":
		raw, err = client.ReadDiscreteInputs(reg.Address, 1)
	case "holding":
		raw, err = client.ReadHoldingRegisters(reg.Address, quantity)
	case "input":
		raw, err = client.ReadInputRegisters(reg.Address, quantity)
	default:
		err = fmt.Errorf("unknown register kind %q", reg.Kind)
	}
	if err != nil {
		reading.Error = err.Error()
		return reading
	}
	value, err := decodeValue(reg, raw)
	if err != nil {
		reading.Error = err.Error()
		return reading
	}
	scale := reg.Scale
	if scale == 0 {
		scale = 1
	}
	reading.Value = value * scale
	return reading
}

func registerQuantity(dataType string) uint16 {
	switch dataType {
	case "uint32", "int32", "float32":
		return 2
	default:
		return 1
	}
}

func decodeValue(reg config.ModbusRegister, raw []byte) (float64, error) {
	switch reg.DataType {
	case "bool":
		if len(raw) < 1 {
			return 0, fmt.Errorf("short read")
		}
		if raw[0]&0x01 != 0 {
			return 1, nil
		}
		return 0, nil
	case "uint16":
		if len(raw) < 2 {
			return 0, fmt.Errorf("short read")
		}
		return float64(binary.BigEndian.Uint16(raw)), nil
	case "int16":
		if len(raw) < 2 {
			return 0, fmt.Errorf("short read")
		}
		return float64(int16(binary.BigEndian.Uint16(raw))), nil
	case "uint32":
		if len(raw) < 4 {
			return 0, fmt.Errorf("short read")
		}
		return float64(binary.BigEndian.Uint32(raw)), nil
	case "int32":
		if len(raw) < 4 {
			return 0, fmt.Errorf("short read")
		}
		return float64(int32(binary.BigEndian.Uint32(raw))), nil
	case "float32":
		if len(raw) < 4 {
			return 0, fmt.Errorf("short read")
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), nil
	}
	return 0, fmt.Errorf("unknown data type %q", reg.DataType)
}
