package modbus

import (
	"errors"
	"math"
	"testing"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
)

func FuzzDecodeRegister(f *testing.F) {
	f.Add([]byte{0x9c, 0x40}, uint16(1), 200.0)
	f.Add([]byte{0x00, 0x00, 0x13, 0x88}, uint16(2), 1.0)
	f.Add([]byte{0xff, 0xff, 0xff, 0xff}, uint16(2), 1000.0)
	f.Add([]byte{0x01}, uint16(1), 10.0)
	f.Add([]byte{}, uint16(0), 0.0)

	f.Fuzz(func(t *testing.T, data []byte, words uint16, scale float64) {
		reg := domain.RegisterDescriptor{Name: "x", WordCount: words, Scale: scale}
		v, err := decodeRegister(reg, data)
		if err != nil {
			if !errors.Is(err, domain.ErrInvalidDataLength) &&
				!errors.Is(err, domain.ErrInvalidScale) &&
				!errors.Is(err, domain.ErrInvalidWordCount) {
				t.Fatalf("unexpected error type: %v", err)
			}
			return
		}

		if len(data) != int(words)*2 {
			t.Fatalf("decoded %d bytes as %d words", len(data), words)
		}
		if math.IsNaN(v) || v < 0 {
			t.Fatalf("unsigned decode produced %v", v)
		}
		if limit := float64(math.MaxUint32) / scale; v > limit {
			t.Fatalf("value %v exceeds the %d-word range", v, words)
		}
	})
}
