package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeConn serves reads from an in-memory register image.
type fakeConn struct {
	key      Key
	mu       sync.Mutex
	regs     map[uint16]uint16
	failAt   map[uint16]error
	closed   bool
	reads    int
	readHook func()
}

func (c *fakeConn) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if c.readHook != nil {
		c.readHook()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reads++
	if c.closed {
		return nil, errors.New("use of closed connection")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := c.failAt[address]; ok {
		return nil, err
	}
	words := make([]uint16, quantity)
	for i := range words {
		words[i] = c.regs[address+uint16(i)]
	}
	return wordsToBytes(words...), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer records every dial and hands out fakeConns.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dials   map[Key]int
	fail    map[Key]error
	delay   time.Duration
	regs    map[uint16]uint16
	failAt  map[uint16]error
	onFresh func(*fakeConn)
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials:  make(map[Key]int),
		fail:   make(map[Key]error),
		regs:   make(map[uint16]uint16),
		failAt: make(map[uint16]error),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, key Key) (Conn, error) {
	d.mu.Lock()
	d.dials[key]++
	delay := d.delay
	err := d.fail[key]
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{key: key, regs: d.regs, failAt: d.failAt}
	if d.onFresh != nil {
		d.onFresh(c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount(key Key) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[key]
}

func (d *fakeDialer) connsFor(key Key) []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeConn
	for _, c := range d.conns {
		if c.key == key {
			out = append(out, c)
		}
	}
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func wordsToBytes(words ...uint16) []byte {
	data := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(data[i*2:], w)
	}
	return data
}

func key(n int) Key {
	return Key{Host: fmt.Sprintf("10.0.0.%d", n), Port: 502, UnitID: 1}
}
