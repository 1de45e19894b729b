package coe_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbus-go/ethercat"
	"github.com/fieldbus-go/ethercat/pkg/coe"
	"github.com/fieldbus-go/ethercat/pkg/nic/virtual"
)

// fakeOD is a minimal CoE mailbox responder: an object dictionary backed by
// a plain map, driving the same expedited/segmented upload/download wire
// format coe.FSM speaks (spec §4.5), so FSM's real code is exercised
// end-to-end rather than mocked at the FSM boundary.
type fakeOD struct {
	objects map[uint32][]byte

	segRemaining []byte
	segToggle    uint8
	dlBuf        []byte
	dlKey        uint32
}

func newFakeOD() *fakeOD { return &fakeOD{objects: map[uint32][]byte{}} }

func objKey(index uint16, sub uint8) uint32 { return uint32(index)<<8 | uint32(sub) }

func (f *fakeOD) set(index uint16, sub uint8, data []byte) {
	f.objects[objKey(index, sub)] = append([]byte(nil), data...)
}

func wrap(body []byte) []byte {
	h := make([]byte, 6)
	binary.LittleEndian.PutUint16(h[0:2], uint16(len(body)))
	h[5] = 3 // CoE mailbox type
	return append(h, body...)
}

func (f *fakeOD) handle(req []byte) []byte {
	body := req[6:]
	cmd := body[0]
	ccs := (cmd >> 5) & 0x07

	switch ccs {
	case 2: // upload initiate
		index := binary.LittleEndian.Uint16(body[1:3])
		sub := body[3]
		val, ok := f.objects[objKey(index, sub)]
		if !ok {
			return wrap(abortBody(index, sub, 0x06020000))
		}
		if len(val) <= 4 {
			out := make([]byte, 8)
			n := len(val)
			out[0] = byte(2<<5) | 0x02 | 0x01 | byte((4-n)<<2)
			binary.LittleEndian.PutUint16(out[1:3], index)
			out[3] = sub
			copy(out[4:4+n], val)
			return wrap(out)
		}
		f.segRemaining = val
		f.segToggle = 0
		out := make([]byte, 8)
		out[0] = byte(2 << 5)
		binary.LittleEndian.PutUint16(out[1:3], index)
		out[3] = sub
		binary.LittleEndian.PutUint32(out[4:8], uint32(len(val)))
		return wrap(out)

	case 3: // upload segment
		toggle := (cmd >> 4) & 1
		n := len(f.segRemaining)
		if n > 7 {
			n = 7
		}
		chunk := f.segRemaining[:n]
		f.segRemaining = f.segRemaining[n:]
		last := len(f.segRemaining) == 0
		out := make([]byte, 1+n)
		out[0] = byte(0<<5) | (toggle << 4) | byte((7-n)<<1)
		if last {
			out[0] |= 0x01
		}
		copy(out[1:], chunk)
		return wrap(out)

	case 1: // download initiate
		index := binary.LittleEndian.Uint16(body[1:3])
		sub := body[3]
		expedited := cmd&0x02 != 0
		if expedited {
			n := 4
			if cmd&0x01 != 0 {
				n = 4 - int((cmd>>2)&0x03)
			}
			f.set(index, sub, body[4:4+n])
		} else {
			total := binary.LittleEndian.Uint32(body[4:8])
			f.dlBuf = make([]byte, 0, total)
			f.dlKey = objKey(index, sub)
		}
		out := make([]byte, 4)
		out[0] = byte(3 << 5)
		binary.LittleEndian.PutUint16(out[1:3], index)
		out[3] = sub
		return wrap(out)

	case 0: // download segment
		toggle := (cmd >> 4) & 1
		n := 7 - int((cmd>>1)&0x07)
		last := cmd&0x01 != 0
		f.dlBuf = append(f.dlBuf, body[1:1+n]...)
		if last {
			f.objects[f.dlKey] = append([]byte(nil), f.dlBuf...)
		}
		out := []byte{byte(1<<5) | (toggle << 4)}
		return wrap(out)
	}
	return nil
}

func abortBody(index uint16, sub uint8, code uint32) []byte {
	out := make([]byte, 8)
	out[0] = 0x80
	binary.LittleEndian.PutUint16(out[1:3], index)
	out[3] = sub
	binary.LittleEndian.PutUint32(out[4:8], code)
	return out
}

func newTestClient(t *testing.T, od *fakeOD) *coe.FSM {
	t.Helper()
	link, err := virtual.New("test")
	require.NoError(t, err)
	vlink := link.(*virtual.Link)

	vslave := virtual.NewSlave(0)
	vslave.RxOffset, vslave.RxSize = 0x1000, 256
	vslave.TxOffset, vslave.TxSize = 0x1400, 256
	vslave.TxSM = 1
	vslave.MailboxHandler = od.handle
	bus := virtual.NewBus(vslave)
	vlink.SetResponder(bus)

	dev, err := ethercat.NewDeviceFromLink(vlink)
	require.NoError(t, err)
	disp := ethercat.NewDispatcher(dev, nil)

	mbx := coe.Mailbox{
		Station: vslave.Station, RxOffset: vslave.RxOffset, RxSize: vslave.RxSize,
		TxOffset: vslave.TxOffset, TxSize: vslave.TxSize, RxSM: 0, TxSM: 1,
	}
	client := coe.New(disp, mbx)
	client.SetBudget(200 * time.Millisecond)
	return client
}

func TestUploadExpedited(t *testing.T) {
	od := newFakeOD()
	od.set(0x1018, 1, []byte{0x11, 0x22, 0x33, 0x44})
	client := newTestClient(t, od)

	data, err := client.Upload(0x1018, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, data)
}

func TestUploadSegmented(t *testing.T) {
	od := newFakeOD()
	long := make([]byte, 37)
	for i := range long {
		long[i] = byte(i)
	}
	od.set(0x1008, 0, long)
	client := newTestClient(t, od)

	data, err := client.Upload(0x1008, 0)
	require.NoError(t, err)
	assert.Equal(t, long, data)
}

func TestDownloadExpeditedRoundTrip(t *testing.T) {
	od := newFakeOD()
	client := newTestClient(t, od)

	require.NoError(t, client.Download(0x6000, 1, []byte{0x01, 0x02}))
	data, err := client.Upload(0x6000, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, data)
}

func TestDownloadSegmentedRoundTrip(t *testing.T) {
	od := newFakeOD()
	client := newTestClient(t, od)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(100 + i)
	}
	require.NoError(t, client.Download(0x7000, 2, payload))
	data, err := client.Upload(0x7000, 2)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestUploadAbortsOnMissingObject(t *testing.T) {
	od := newFakeOD()
	client := newTestClient(t, od)

	_, err := client.Upload(0x9999, 0)
	require.Error(t, err)
	var abortErr *coe.AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, coe.AbortNotExist, abortErr.Code)
}
