package modbus

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/rs/zerolog"
)

var scenarioMap = domain.RegisterMap{
	Profile: "scenario",
	Registers: []domain.RegisterDescriptor{
		{Name: "voltage", Address: 5, WordCount: 1, Scale: 200},
		{Name: "energy", Address: 40, WordCount: 2, Scale: 1},
	},
}

func newTestService(t *testing.T, d Dialer, breaker bool) *Service {
	t.Helper()
	pool, _ := newTestPool(t, PoolConfig{}, d)
	return NewService(pool, ServiceConfig{CircuitBreaker: breaker}, zerolog.Nop(), nil)
}

func target(n int) domain.Target {
	k := key(n)
	return domain.Target{MeterID: "meter-" + k.Host, Host: k.Host, Port: k.Port, UnitID: k.UnitID}
}

func TestReadMeterDataDecodes(t *testing.T) {
	d := newFakeDialer()
	d.regs[5] = 40000
	d.regs[40] = 0
	d.regs[41] = 5000
	svc := newTestService(t, d, false)

	r := svc.ReadMeterData(context.Background(), target(1), scenarioMap)
	if !r.Success {
		t.Fatalf("expected success, got error %q", r.ErrorMessage)
	}
	if v, ok := r.Value("voltage"); !ok || v != 200 {
		t.Errorf("expected voltage 200, got %v", v)
	}
	if v, ok := r.Value("energy"); !ok || v != 5000 {
		t.Errorf("expected energy 5000, got %v", v)
	}
	if r.MeterID != target(1).MeterID {
		t.Errorf("expected meter id %s, got %s", target(1).MeterID, r.MeterID)
	}
}

func TestReadMeterDataPartialSuccess(t *testing.T) {
	d := newFakeDialer()
	d.regs[5] = 46000
	d.failAt[40] = &modbus.ModbusError{FunctionCode: 0x03, ExceptionCode: modbus.ExceptionCodeIllegalDataAddress}
	svc := newTestService(t, d, false)

	r := svc.ReadMeterData(context.Background(), target(1), scenarioMap)
	if !r.Success {
		t.Fatalf("expected partial success to keep Success=true, got %q", r.ErrorMessage)
	}
	if v, ok := r.Value("voltage"); !ok || v != 230 {
		t.Errorf("expected voltage 230, got %v", v)
	}
	energy, present := r.Values["energy"]
	if !present || energy != nil {
		t.Errorf("expected energy to be present and nil, got %v", energy)
	}
	if !svc.pool.Has(key(1)) {
		t.Error("a Modbus exception must not drop a healthy session")
	}
}

func TestReadMeterDataConnectionFailure(t *testing.T) {
	d := newFakeDialer()
	d.fail[key(1)] = errors.New("connection refused")
	svc := newTestService(t, d, false)

	r := svc.ReadMeterData(context.Background(), target(1), scenarioMap)
	if r.Success {
		t.Fatal("expected failure")
	}
	if r.Values != nil {
		t.Errorf("expected no values, got %v", r.Values)
	}
	if r.ErrorMessage == "" {
		t.Error("expected error message")
	}
}

func TestReadMeterDataAllRegistersFail(t *testing.T) {
	d := newFakeDialer()
	d.failAt[5] = io.EOF
	d.failAt[40] = io.EOF
	svc := newTestService(t, d, false)

	r := svc.ReadMeterData(context.Background(), target(1), scenarioMap)
	if r.Success {
		t.Fatal("expected failure when every register fails")
	}
	if len(r.Values) != 2 || r.Values["voltage"] != nil || r.Values["energy"] != nil {
		t.Errorf("expected nil-valued map kept for diagnostics, got %v", r.Values)
	}
	if !strings.Contains(r.ErrorMessage, domain.ErrAllRegistersFailed.Error()) {
		t.Errorf("unexpected error message %q", r.ErrorMessage)
	}
	if svc.pool.Has(key(1)) {
		t.Error("expected broken session to be closed")
	}
}

func TestReadMeterDataStopsOnceContextDone(t *testing.T) {
	d := newFakeDialer()
	d.regs[5] = 40000
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var conn *fakeConn
	calls := 0
	d.onFresh = func(c *fakeConn) {
		conn = c
		c.readHook = func() {
			calls++
			if calls == 2 {
				cancel()
			}
		}
	}
	svc := newTestService(t, d, false)

	rm := domain.RegisterMap{
		Profile: "long",
		Registers: []domain.RegisterDescriptor{
			{Name: "voltage", Address: 5, WordCount: 1, Scale: 200},
			{Name: "current", Address: 6, WordCount: 1, Scale: 1},
			{Name: "power", Address: 7, WordCount: 1, Scale: 1},
			{Name: "energy", Address: 8, WordCount: 1, Scale: 1},
		},
	}
	r := svc.ReadMeterData(ctx, target(1), rm)

	if got := calls; got != 2 {
		t.Errorf("expected 2 device reads before stopping, got %d", got)
	}
	if v, ok := r.Value("voltage"); !ok || v != 200 {
		t.Errorf("expected voltage 200, got %v", v)
	}
	for _, name := range []string{"current", "power", "energy"} {
		v, present := r.Values[name]
		if !present || v != nil {
			t.Errorf("expected %s present and nil, got %v", name, v)
		}
	}
	if conn == nil || conn.isClosed() {
		t.Error("a cancelled read that never reached the device must keep the session")
	}
}

func TestReadMeterDataDiscardKeepsReplacementSession(t *testing.T) {
	d := newFakeDialer()
	svc := newTestService(t, d, false)
	ctx := context.Background()

	h, err := svc.pool.Acquire(ctx, key(1))
	if err != nil {
		t.Fatal(err)
	}
	svc.pool.Release(h)
	svc.pool.CloseOne(key(1))

	fresh, err := svc.pool.Acquire(ctx, key(1))
	if err != nil {
		t.Fatal(err)
	}
	svc.pool.Release(fresh)

	svc.pool.Discard(h)
	if !svc.pool.Has(key(1)) {
		t.Fatal("expected the replacement session to stay resident")
	}
	if conns := d.connsFor(key(1)); len(conns) != 2 || conns[1].isClosed() {
		t.Error("expected the replacement session to stay open")
	}
}

func TestReadMeterDataEmptyMap(t *testing.T) {
	svc := newTestService(t, newFakeDialer(), false)
	r := svc.ReadMeterData(context.Background(), target(1), domain.RegisterMap{})
	if !r.Success || len(r.Values) != 0 {
		t.Errorf("expected empty successful reading, got %+v", r)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	d := newFakeDialer()
	d.fail[key(1)] = errors.New("no route to host")
	svc := newTestService(t, d, true)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		svc.ReadMeterData(ctx, target(1), scenarioMap)
	}
	dials := d.dialCount(key(1))

	r := svc.ReadMeterData(ctx, target(1), scenarioMap)
	if r.Success || !strings.Contains(r.ErrorMessage, domain.ErrCircuitBreakerOpen.Error()) {
		t.Errorf("expected circuit breaker open, got %q", r.ErrorMessage)
	}
	if d.dialCount(key(1)) != dials {
		t.Error("open breaker must short-circuit without dialing")
	}

	// Other meters are unaffected.
	if r := svc.ReadMeterData(ctx, target(2), scenarioMap); !r.Success {
		t.Errorf("expected meter 2 to read, got %q", r.ErrorMessage)
	}
}

func TestTestConnection(t *testing.T) {
	d := newFakeDialer()
	d.fail[key(2)] = errors.New("refused")
	svc := newTestService(t, d, false)
	ctx := context.Background()

	if !svc.TestConnection(ctx, key(1).Host, 502, 1) {
		t.Error("expected reachable meter to pass")
	}
	if svc.TestConnection(ctx, key(2).Host, 502, 1) {
		t.Error("expected unreachable meter to fail")
	}

	svc.CloseConnection(key(1).Host, 502, 1)
	if svc.PoolStats().TotalConnections != 0 {
		t.Errorf("expected empty pool, got %+v", svc.PoolStats())
	}
}

func TestDecodeWords(t *testing.T) {
	tests := []struct {
		name  string
		words []uint16
		scale float64
		want  float64
	}{
		{"single word", []uint16{40000}, 200, 200},
		{"single word fraction", []uint16{2305}, 10, 230.5},
		{"max single word", []uint16{0xFFFF}, 1, 65535},
		{"two words low only", []uint16{0, 5000}, 1, 5000},
		{"two words high", []uint16{1, 0}, 1, 65536},
		{"two words scaled", []uint16{0x0001, 0x86A0}, 1000, 100},
		{"max two words", []uint16{0xFFFF, 0xFFFF}, 1, 4294967295},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeWords(tt.words, tt.scale)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestDecodeRegisterRejectsShortData(t *testing.T) {
	reg := domain.RegisterDescriptor{Name: "energy", Address: 0, WordCount: 2, Scale: 1}
	_, err := decodeRegister(reg, wordsToBytes(1))
	if !errors.Is(err, domain.ErrInvalidDataLength) {
		t.Errorf("expected ErrInvalidDataLength, got %v", err)
	}
}

func TestExchangeTimeout(t *testing.T) {
	t.Run("no deadline", func(t *testing.T) {
		got, err := exchangeTimeout(context.Background(), 3*time.Second)
		if err != nil || got != 3*time.Second {
			t.Errorf("expected read timeout 3s, got %v (%v)", got, err)
		}
	})
	t.Run("deadline sooner", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		got, err := exchangeTimeout(ctx, 3*time.Second)
		if err != nil || got <= 0 || got > 200*time.Millisecond {
			t.Errorf("expected the deadline to bound the exchange, got %v (%v)", got, err)
		}
	})
	t.Run("deadline later", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		got, err := exchangeTimeout(ctx, 3*time.Second)
		if err != nil || got != 3*time.Second {
			t.Errorf("expected read timeout 3s, got %v (%v)", got, err)
		}
	})
	t.Run("already done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := exchangeTimeout(ctx, 3*time.Second); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped closed", &domain.RegisterReadError{Register: "a", Err: domain.ErrConnectionClosed}, true},
		{"modbus exception", translateModbusError(&modbus.ModbusError{FunctionCode: 3, ExceptionCode: 2}), false},
		{"decode error", domain.ErrInvalidDataLength, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnectionError(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
