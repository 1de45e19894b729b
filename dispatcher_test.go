package ethercat_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbus-go/ethercat"
	"github.com/fieldbus-go/ethercat/pkg/nic/virtual"
)

func newTestDevice(t *testing.T) (*ethercat.Device, *virtual.Link) {
	t.Helper()
	link, err := virtual.New("test")
	require.NoError(t, err)
	vlink := link.(*virtual.Link)
	dev, err := ethercat.NewDeviceFromLink(vlink)
	require.NoError(t, err)
	return dev, vlink
}

// echoResponder answers every datagram with its payload echoed back and its
// WKC set to wkc (1 stands for a single slave, spec §8 scenario 1/2).
func echoResponder(wkc uint16) virtual.ResponderFunc {
	return func(frame []byte) []byte {
		body, err := ethercat.StripEthernetHeader(frame)
		if err != nil {
			return nil
		}
		datagrams, err := ethercat.DecodeFrame(body)
		if err != nil {
			return nil
		}
		out := make([]*ethercat.Datagram, 0, len(datagrams))
		for _, rd := range datagrams {
			d := ethercat.NewDatagram(rd.Command, 0, len(rd.Data))
			d.Index = rd.Index
			copy(d.Data, rd.Data)
			d.WKC = wkc
			out = append(out, d)
		}
		reply, err := ethercat.EncodeFrame(out)
		if err != nil {
			return nil
		}
		return ethercat.EthernetFrame([6]byte{}, reply)
	}
}

func TestDispatcherSendQueuedAssignsIndicesAndMatchesResponse(t *testing.T) {
	dev, link := newTestDevice(t)
	link.SetResponder(echoResponder(1))
	disp := ethercat.NewDispatcher(dev, nil)

	d := ethercat.NewDatagram(ethercat.CmdBRD, ethercat.PhysicalAddress(0, ethercat.RegALStatus), 2)
	disp.Enqueue(d)
	frames, err := disp.SendQueued()
	require.NoError(t, err)
	assert.Equal(t, 1, frames)
	assert.Equal(t, ethercat.StateSent, d.State)

	body, err := dev.ReceiveFrame()
	require.NoError(t, err)
	require.NotNil(t, body)
	require.NoError(t, disp.OnFrameReceived(body))

	assert.Equal(t, ethercat.StateReceived, d.State)
	assert.EqualValues(t, 1, d.WKC)
}

func TestDispatcherEnqueueIsIdempotent(t *testing.T) {
	dev, _ := newTestDevice(t)
	disp := ethercat.NewDispatcher(dev, nil)
	d := ethercat.NewDatagram(ethercat.CmdBRD, 0, 2)
	disp.Enqueue(d)
	disp.Enqueue(d)
	assert.Equal(t, 1, disp.QueueLen())
}

func TestDispatcherTickTimesOutStaleDatagrams(t *testing.T) {
	dev, _ := newTestDevice(t)
	disp := ethercat.NewDispatcher(dev, nil)
	disp.SetTimeout(1 * time.Millisecond)

	d := ethercat.NewDatagram(ethercat.CmdBRD, 0, 2)
	disp.Enqueue(d)
	_, err := disp.SendQueued()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n := disp.Tick()
	assert.Equal(t, 1, n)
	assert.Equal(t, ethercat.StateTimedOut, d.State)
	assert.Equal(t, 0, disp.QueueLen())
}

func TestDispatcherRoundTripSucceeds(t *testing.T) {
	dev, link := newTestDevice(t)
	link.SetResponder(echoResponder(1))
	disp := ethercat.NewDispatcher(dev, nil)

	d := ethercat.NewDatagram(ethercat.CmdFPRD, ethercat.PhysicalAddress(1, 0x0000), 2)
	err := disp.RoundTrip(d, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ethercat.StateReceived, d.State)
	assert.EqualValues(t, 1, d.WKC)
}

func TestDispatcherRoundTripTimesOutWithNoResponder(t *testing.T) {
	dev, _ := newTestDevice(t)
	disp := ethercat.NewDispatcher(dev, nil)

	d := ethercat.NewDatagram(ethercat.CmdFPRD, ethercat.PhysicalAddress(1, 0x0000), 2)
	err := disp.RoundTrip(d, 5*time.Millisecond)
	assert.Error(t, err)
}
