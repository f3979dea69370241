package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// ModbusPowerReader reads instantaneous power from a local energy meter over
// Modbus TCP, as an alternative sample source to the cloud API. Useful when
// the charger shares a circuit with a metered sub-panel: readings arrive
// without API rate limits and keep working during cloud outages.
type ModbusPowerReader struct {
	address  string
	unitID   byte
	register uint16

	mu          sync.Mutex
	handler     *modbus.TCPClientHandler
	client      modbus.Client
	isConnected bool
}

func NewModbusPowerReader(address string, unitID int, register int) *ModbusPowerReader {
	return &ModbusPowerReader{
		address:  address,
		unitID:   byte(unitID),
		register: uint16(register),
	}
}

func (m *ModbusPowerReader) connect() error {
	handler := modbus.NewTCPClientHandler(m.address)
	handler.Timeout = 5 * time.Second
	handler.SlaveId = m.unitID

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("modbus connect to %s failed: %v", m.address, err)
	}

	m.handler = handler
	m.client = modbus.NewClient(handler)
	m.isConnected = true
	log.Printf("Modbus: Connected to meter at %s (unit %d)", m.address, m.unitID)
	return nil
}

// ReadPower reads a float32 power value (kW, two registers, big endian)
// from the configured holding register.
func (m *ModbusPowerReader) ReadPower(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isConnected {
		if err := m.connect(); err != nil {
			return 0, err
		}
	}

	results, err := m.client.ReadHoldingRegisters(m.register, 2)
	if err != nil {
		// Drop the connection so the next read re-dials.
		m.isConnected = false
		if m.handler != nil {
			m.handler.Close()
		}
		return 0, fmt.Errorf("modbus read failed: %v", err)
	}

	if len(results) < 4 {
		return 0, fmt.Errorf("modbus read returned %d bytes, expected 4", len(results))
	}

	bits := binary.BigEndian.Uint32(results[0:4])
	value := float64(math.Float32frombits(bits))
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("modbus read returned invalid value")
	}

	return value, nil
}

// Close shuts down the TCP connection.
func (m *ModbusPowerReader) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		m.handler.Close()
		m.isConnected = false
	}
}
