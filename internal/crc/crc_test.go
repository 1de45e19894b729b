package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSingleByteKnownValue(t *testing.T) {
	// polynomial x^8+x^2+x+1 (0x07), init 0xFF, folding a single zero byte.
	got := New().Single(0x00)
	assert.Equal(t, table[0xFF], byte(got))
}

func TestBlockMatchesSequentialSingle(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	viaBlock := New().Block(data)

	viaSingle := New()
	for _, b := range data {
		viaSingle = viaSingle.Single(b)
	}
	assert.Equal(t, viaSingle, viaBlock)
}

func TestSIIChecksumDeterministic(t *testing.T) {
	words := [7]uint16{0x1234, 0x0004, 0x5678, 0x9ABC, 0xDEF0, 0x1111, 0x2222}
	c1 := SII(words)
	c2 := SII(words)
	assert.Equal(t, c1, c2)

	words[0] ^= 0xFF
	c3 := SII(words)
	assert.NotEqual(t, c1, c3)
}
