package al_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbus-go/ethercat"
	"github.com/fieldbus-go/ethercat/pkg/al"
	"github.com/fieldbus-go/ethercat/pkg/nic/virtual"
)

func newTestFSM(t *testing.T, vslave *virtual.Slave) *al.FSM {
	t.Helper()
	link, err := virtual.New("test")
	require.NoError(t, err)
	vlink := link.(*virtual.Link)
	vlink.SetResponder(virtual.NewBus(vslave))

	dev, err := ethercat.NewDeviceFromLink(vlink)
	require.NoError(t, err)
	disp := ethercat.NewDispatcher(dev, nil)

	fsm := al.New(disp, vslave.Station)
	fsm.SetBudget(200 * time.Millisecond)
	return fsm
}

func TestRequestStateSucceedsWhenSlaveAccepts(t *testing.T) {
	vslave := virtual.NewSlave(0)
	fsm := newTestFSM(t, vslave)

	require.NoError(t, fsm.RequestState(ethercat.ALStatePreop))

	state, err := fsm.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, ethercat.ALStatePreop, state)
}

func TestRequestStateSurfacesStatusCodeOnRefusal(t *testing.T) {
	vslave := virtual.NewSlave(0)
	// Pre-seed AL status with the ack-error bit and a status code, as if
	// the slave refused the transition (spec §4.4).
	vslave.Mem[ethercat.RegALStatus] = 0x01   // stays INIT
	vslave.Mem[ethercat.RegALStatus+1] = 0x00
	vslave.Mem[ethercat.RegALStatus] |= 0x10 // ack-error bit
	vslave.Mem[ethercat.RegALStatusCode] = 0x11
	vslave.Mem[ethercat.RegALStatusCode+1] = 0x00

	fsm := newTestFSM(t, vslave)
	err := fsm.RequestState(ethercat.ALStatePreop)
	require.Error(t, err)

	var statusErr *al.StatusCodeError
	require.ErrorAs(t, err, &statusErr)
	assert.EqualValues(t, 0x0011, statusErr.Code)
}

func TestCurrentStateReadsInitByDefault(t *testing.T) {
	vslave := virtual.NewSlave(0)
	vslave.Mem[ethercat.RegALStatus] = byte(ethercat.ALStateInit)
	fsm := newTestFSM(t, vslave)

	state, err := fsm.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, ethercat.ALStateInit, state)
}
