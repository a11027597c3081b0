package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
)

// decodeRegister converts the raw bytes of one holding register read into
// its scaled value. Words are big-endian and the first word is the high word.
func decodeRegister(reg domain.RegisterDescriptor, data []byte) (float64, error) {
	words, err := bytesToWords(data, reg.WordCount)
	if err != nil {
		return 0, err
	}
	return decodeWords(words, reg.Scale)
}

// bytesToWords splits register bytes into 16-bit words.
func bytesToWords(data []byte, count uint16) ([]uint16, error) {
	expectedLen := int(count) * 2
	if len(data) != expectedLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", domain.ErrInvalidDataLength, expectedLen, len(data))
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}

// decodeWords applies the register semantics: raw/scale for one word,
// ((hi<<16)|lo)/scale for two. Raw values are unsigned.
func decodeWords(words []uint16, scale float64) (float64, error) {
	if !(scale > 0) {
		return 0, domain.ErrInvalidScale
	}
	switch len(words) {
	case 1:
		return float64(words[0]) / scale, nil
	case 2:
		raw := uint32(words[0])<<16 | uint32(words[1])
		return float64(raw) / scale, nil
	default:
		return 0, fmt.Errorf("%w: %d", domain.ErrInvalidWordCount, len(words))
	}
}
