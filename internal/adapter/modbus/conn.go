package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/meter-telemetry/internal/domain"
)

// Conn is one live Modbus TCP session. Implementations need not be safe
// for concurrent use; the pool serializes operations per handle.
type Conn interface {
	// ReadHoldingRegisters issues function 0x03 and returns the raw
	// big-endian register bytes (2 bytes per word).
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)
	Close() error
}

// Dialer opens sessions for pool keys.
type Dialer interface {
	Dial(ctx context.Context, key Key) (Conn, error)
}

// TCPDialer dials Modbus TCP sessions with goburrow/modbus.
type TCPDialer struct {
	// ReadTimeout bounds each request/response exchange
	ReadTimeout time.Duration

	// IdleTimeout is passed to the transport so a forgotten session does
	// not hold its socket forever
	IdleTimeout time.Duration
}

// Dial connects to the key's address. The connect runs in its own
// goroutine so ctx bounds it even though goburrow takes no context.
func (d TCPDialer) Dial(ctx context.Context, key Key) (Conn, error) {
	handler := modbus.NewTCPClientHandler(key.Address())
	handler.Timeout = d.ReadTimeout
	handler.SlaveId = key.UnitID
	handler.IdleTimeout = d.IdleTimeout

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		// Reap the socket if the connect completes after we gave up.
		go func() {
			if err := <-connectDone; err == nil {
				_ = handler.Close()
			}
		}()
		return nil, ctx.Err()
	}

	return &tcpConn{handler: handler, client: modbus.NewClient(handler), readTimeout: d.ReadTimeout}, nil
}

type tcpConn struct {
	handler     *modbus.TCPClientHandler
	client      modbus.Client
	readTimeout time.Duration
}

// ReadHoldingRegisters runs one exchange on the calling goroutine. The
// transport deadline is the earlier of ReadTimeout and the ctx deadline;
// goburrow holds its transport lock for the whole exchange, so closing the
// handler from another goroutine cannot cut it short.
func (c *tcpConn) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	timeout, err := exchangeTimeout(ctx, c.readTimeout)
	if err != nil {
		return nil, err
	}
	// Callers serialize operations per session, so no Send is running here.
	c.handler.Timeout = timeout

	data, err := c.client.ReadHoldingRegisters(address, quantity)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return data, err
}

// exchangeTimeout bounds one exchange by readTimeout and the ctx deadline.
func exchangeTimeout(ctx context.Context, readTimeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return readTimeout, nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, context.DeadlineExceeded
	}
	if readTimeout <= 0 || remaining < readTimeout {
		return remaining, nil
	}
	return readTimeout, nil
}

func (c *tcpConn) Close() error {
	return c.handler.Close()
}

// isConnectionError reports whether err means the session itself is bad,
// as opposed to a Modbus exception from a healthy device.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrConnectionClosed)
}

// isTimeout checks if the error is a timeout error.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// connectionError classifies a dial failure for key.
func connectionError(key Key, err error) error {
	kind := domain.ConnectionErrorConnectFailed
	if isTimeout(err) {
		kind = domain.ConnectionErrorTimeout
	}
	return &domain.ConnectionError{Kind: kind, Key: key.String(), Err: err}
}

// translateModbusError converts Modbus library errors to domain errors.
func translateModbusError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrReadFailed, err)
}
