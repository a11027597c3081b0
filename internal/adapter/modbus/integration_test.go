package modbus

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/rs/zerolog"
	"github.com/tbrandon/mbserver"
)

// startServer runs an in-process Modbus TCP server on a free local port.
func startServer(t *testing.T) (*mbserver.Server, string, int) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().(*net.TCPAddr)
	_ = l.Close()

	serv := mbserver.NewServer()
	if err := serv.ListenTCP(addr.String()); err != nil {
		t.Skipf("cannot listen for Modbus test server: %v", err)
	}
	t.Cleanup(serv.Close)
	return serv, "127.0.0.1", addr.Port
}

func TestReadMeterDataOverTCP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping TCP round trip in short mode")
	}

	serv, host, port := startServer(t)
	serv.HoldingRegisters[5] = 40000
	serv.HoldingRegisters[40] = 0
	serv.HoldingRegisters[41] = 5000

	pool := NewConnectionPool(PoolConfig{
		AcquireTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
	}, nil, zerolog.Nop(), nil)
	defer pool.Close()
	svc := NewService(pool, ServiceConfig{CircuitBreaker: true}, zerolog.Nop(), nil)

	tgt := domain.Target{MeterID: "tcp-meter", Host: host, Port: port, UnitID: 1}
	ctx := context.Background()

	for cycle := 0; cycle < 2; cycle++ {
		r := svc.ReadMeterData(ctx, tgt, scenarioMap)
		if !r.Success {
			t.Fatalf("cycle %d: read failed: %s", cycle, r.ErrorMessage)
		}
		if v, _ := r.Value("voltage"); v != 200 {
			t.Errorf("cycle %d: expected voltage 200, got %v", cycle, v)
		}
		if v, _ := r.Value("energy"); v != 5000 {
			t.Errorf("cycle %d: expected energy 5000, got %v", cycle, v)
		}
	}

	if got := svc.PoolStats().TotalConnections; got != 1 {
		t.Errorf("expected the session to be reused, pool has %d", got)
	}
	if !svc.TestConnection(ctx, host, port, 1) {
		t.Error("expected connection test to pass")
	}
}

// startSlowServer answers every read holding registers request with zeros
// after delay. It counts accepted TCP connections.
func startSlowServer(t *testing.T, delay time.Duration) (string, int, *atomic.Int32) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen for slow Modbus server: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go serveSlow(conn, delay)
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, &accepted
}

func serveSlow(conn net.Conn, delay time.Duration) {
	defer conn.Close()
	// MBAP header (7 bytes) plus function code, address and quantity.
	req := make([]byte, 12)
	for {
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		time.Sleep(delay)

		quantity := binary.BigEndian.Uint16(req[10:])
		resp := make([]byte, 9+2*int(quantity))
		copy(resp[0:2], req[0:2])
		binary.BigEndian.PutUint16(resp[4:], uint16(3+2*quantity))
		resp[6] = req[6]
		resp[7] = 0x03
		resp[8] = byte(2 * quantity)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func TestReadMeterDataHonoursDeadlineOverTCP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping TCP round trip in short mode")
	}

	host, port, accepted := startSlowServer(t, 300*time.Millisecond)

	pool := NewConnectionPool(PoolConfig{
		AcquireTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
	}, nil, zerolog.Nop(), nil)
	defer pool.Close()
	svc := NewService(pool, ServiceConfig{}, zerolog.Nop(), nil)

	rm := domain.RegisterMap{Profile: "slow"}
	for i := 0; i < 5; i++ {
		rm.Registers = append(rm.Registers, domain.RegisterDescriptor{
			Name: "r" + strconv.Itoa(i), Address: uint16(i), WordCount: 1, Scale: 1,
		})
	}

	deadline := 500 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	tgt := domain.Target{MeterID: "slow-meter", Host: host, Port: port, UnitID: 1}
	start := time.Now()
	r := svc.ReadMeterData(ctx, tgt, rm)
	elapsed := time.Since(start)

	if elapsed > deadline+400*time.Millisecond {
		t.Errorf("expected the read to end near its %v deadline, took %v", deadline, elapsed)
	}
	if got := accepted.Load(); got != 1 {
		t.Errorf("expected 1 TCP connection, got %d", got)
	}
	if got := r.DecodedCount(); got != 1 {
		t.Errorf("expected only the first register to decode, got %d", got)
	}
	for _, name := range []string{"r2", "r3", "r4"} {
		if v, present := r.Values[name]; !present || v != nil {
			t.Errorf("expected %s present and nil, got %v", name, v)
		}
	}
	if pool.Has(KeyFor(tgt)) {
		t.Error("expected the timed-out session to be dropped")
	}
}
