package master_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbus-go/ethercat"
	"github.com/fieldbus-go/ethercat/pkg/domain"
	"github.com/fieldbus-go/ethercat/pkg/master"
	"github.com/fieldbus-go/ethercat/pkg/nic/virtual"
)

// minimalEEPROM returns an SII image large enough for the scan FSM's fixed
// region (words 0..0x3F) plus an immediate category-chain terminator at
// 0x0040, with the given vendor/product codes populated (spec §8 scenario
// 2/3 fixtures).
func minimalEEPROM(vendor, product uint32) []uint16 {
	eeprom := make([]uint16, 0x42)
	eeprom[0x0008] = uint16(vendor)
	eeprom[0x0009] = uint16(vendor >> 16)
	eeprom[0x000A] = uint16(product)
	eeprom[0x000B] = uint16(product >> 16)
	eeprom[0x0040] = 0xFFFF // category chain terminator
	return eeprom
}

// newVirtualMaster wires a master against an in-memory bus of simulated
// slaves, for driving the real Master/FSM code without a NIC.
func newVirtualMaster(t *testing.T, slaves ...*virtual.Slave) (*master.Master, *virtual.Link) {
	t.Helper()
	link, err := virtual.New("test")
	require.NoError(t, err)
	vlink := link.(*virtual.Link)
	bus := virtual.NewBus(slaves...)
	vlink.SetResponder(bus)
	m, err := master.New(vlink, nil)
	require.NoError(t, err)
	return m, vlink
}

// Scenario 1 (spec §8): empty bus — BRD reports zero responders, and the
// master settles on zero slaves.
func TestMaster_EmptyBus(t *testing.T) {
	m, _ := newVirtualMaster(t)
	require.NoError(t, m.Activate())
	assert.Equal(t, 0, m.SlaveCount())
}

// Scenario 2 (spec §8): a single slave answers BRD with WKC=1; after the
// scan FSM runs, the master reports one slave with station address 1 that
// has reached PREOP.
func TestMaster_SingleSlaveAddressAssignment(t *testing.T) {
	sl := virtual.NewSlave(0)
	sl.EEPROM = minimalEEPROM(0x00000002, 0x12345678)

	m, _ := newVirtualMaster(t, sl)
	require.NoError(t, m.Activate())

	require.Equal(t, 1, m.SlaveCount())
	got := m.Slaves()[0]
	assert.EqualValues(t, 1, got.StationAddress)
	assert.EqualValues(t, 1, sl.Station)
	assert.Equal(t, ethercat.ALStatePreop, got.GetALState())
}

// Scenario 4 (spec §8): two slaves each provide one byte of input and one
// byte of output process data; registering all four entries into one
// domain yields a 4-byte image and, once both slaves are in OP, a working
// counter of 2*3=6 after a cycle.
func TestMaster_DomainMapping(t *testing.T) {
	slA := virtual.NewSlave(0)
	slA.EEPROM = minimalEEPROM(1, 1)
	slA.ClaimLogicalRange(0, 2)
	slB := virtual.NewSlave(1)
	slB.EEPROM = minimalEEPROM(1, 2)
	slB.ClaimLogicalRange(2, 2)

	m, _ := newVirtualMaster(t, slA, slB)

	// Keep both slaves' attached configuration at the default (no SMs/PDOs/
	// SDOs, requested state OP) just to drive them through the full
	// PREOP->SAFEOP->OP walk (spec §8 scenario 4 "both slaves in OP").
	m.SlaveConfig(0)
	m.SlaveConfig(1)

	dom := m.NewDomain(0)
	_, err := dom.RegisterPDOEntry(1, 0, 0x1000, domain.Output, 0x7000, 1, 8)
	require.NoError(t, err)
	_, err = dom.RegisterPDOEntry(1, 1, 0x1100, domain.Input, 0x6000, 1, 8)
	require.NoError(t, err)
	_, err = dom.RegisterPDOEntry(2, 0, 0x1000, domain.Output, 0x7000, 1, 8)
	require.NoError(t, err)
	_, err = dom.RegisterPDOEntry(2, 1, 0x1100, domain.Input, 0x6000, 1, 8)
	require.NoError(t, err)

	require.NoError(t, m.Activate())
	assert.EqualValues(t, 4, dom.Size())
	assert.EqualValues(t, 0, dom.BaseAddress())

	m.QueueData()
	require.NoError(t, m.Send())
	require.NoError(t, m.Receive())
	m.ProcessData()

	current, expected := dom.State()
	assert.EqualValues(t, 6, expected)
	assert.EqualValues(t, 6, current)
}
