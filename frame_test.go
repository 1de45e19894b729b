package ethercat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	d1 := NewDatagram(CmdBRD, PhysicalAddress(0, RegALStatus), 2)
	d1.Data = []byte{0x01, 0x02}
	d2 := NewDatagram(CmdFPRD, PhysicalAddress(1, 0x0000), 4)
	d2.Data = []byte{0xAA, 0xBB, 0xCC, 0xDD}

	body, err := EncodeFrame([]*Datagram{d1, d2})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(body), 44) // spec §4.1 minimum EtherCAT payload

	received, err := DecodeFrame(body)
	require.NoError(t, err)
	require.Len(t, received, 2)
	assert.Equal(t, CmdBRD, received[0].Command)
	assert.Equal(t, []byte{0x01, 0x02}, received[0].Data)
	assert.Equal(t, CmdFPRD, received[1].Command)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, received[1].Data)
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	_, err := EncodeFrame(nil)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestEncodeFrameRejectsOversizePayload(t *testing.T) {
	d := NewDatagram(CmdLRW, 0, MaxDatagramPayload+1)
	_, err := EncodeFrame([]*Datagram{d})
	assert.ErrorIs(t, err, ErrFrameTooLong)
}

func TestDecodeFrameRejectsTruncated(t *testing.T) {
	d := NewDatagram(CmdBRD, 0, 2)
	body, err := EncodeFrame([]*Datagram{d})
	require.NoError(t, err)

	_, err = DecodeFrame(body[:4])
	assert.Error(t, err)
}

func TestDecodeFrameStopsAtLastDatagram(t *testing.T) {
	d1 := NewDatagram(CmdBRD, 0, 2)
	d2 := NewDatagram(CmdBRD, 0, 2)
	d3 := NewDatagram(CmdBRD, 0, 2)
	body, err := EncodeFrame([]*Datagram{d1, d2, d3})
	require.NoError(t, err)

	received, err := DecodeFrame(body)
	require.NoError(t, err)
	assert.Len(t, received, 3)
}

func TestEthernetFrameHeaderAndPadding(t *testing.T) {
	mac := [6]byte{0x02, 0, 0, 0, 0, 1}
	small := []byte{0x00, 0x00}
	frame := EthernetFrame(mac, small)
	assert.Len(t, frame, 60) // Ethernet minimum frame size, spec §4.1/§6

	for _, b := range frame[0:6] {
		assert.Equal(t, byte(0xFF), b) // broadcast destination
	}
	assert.Equal(t, mac[:], frame[6:12])

	body, err := StripEthernetHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, small, body[:len(small)])
}

func TestStripEthernetHeaderRejectsWrongEtherType(t *testing.T) {
	frame := make([]byte, 64)
	frame[12] = 0x08
	frame[13] = 0x00
	_, err := StripEthernetHeader(frame)
	assert.ErrorIs(t, err, ErrBadFrameType)
}

func TestAutoIncrementAddressEncodesNegativePosition(t *testing.T) {
	addr := AutoIncrementAddress(0, 0x0010)
	assert.Equal(t, uint32(0x0010<<16), addr)

	addr = AutoIncrementAddress(1, 0x0010)
	assert.Equal(t, uint16(0xFFFF), uint16(addr))
}
