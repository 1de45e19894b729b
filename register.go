package ethercat

// ESC register addresses used by the core (spec §6, subset actually
// exercised by this master; the full ESC register map is much larger).
const (
	RegStationAddress  uint16 = 0x0010
	RegDLStatus        uint16 = 0x0110
	RegALControl       uint16 = 0x0120
	RegALStatus        uint16 = 0x0130
	RegALStatusCode    uint16 = 0x0134
	RegSIIControl      uint16 = 0x0502
	RegSIIAddress      uint16 = 0x0504
	RegSIIData         uint16 = 0x0508
	RegFMMUBase        uint16 = 0x0600
	RegFMMUStride      uint16 = 0x10
	RegSMBase          uint16 = 0x0800
	RegSMStride        uint16 = 0x08
	RegDCRecvTimePort0 uint16 = 0x0900
	RegDCRecvTimePort1 uint16 = 0x0904
	RegDCRecvTimePort2 uint16 = 0x0908
	RegDCRecvTimePort3 uint16 = 0x090C
	RegDCSystemTime    uint16 = 0x0910
	RegDCSyncAssign    uint16 = 0x0980
	RegDCSyncCycle0    uint16 = 0x09A0
	RegDCSyncShift0    uint16 = 0x09A8
	RegDCSyncCycle1    uint16 = 0x09AC
	RegDCSyncShift1    uint16 = 0x09B8
)

// FMMURegister returns the start address of the nth FMMU's 16-byte control
// block.
func FMMURegister(n int) uint16 {
	return RegFMMUBase + uint16(n)*RegFMMUStride
}

// SMRegister returns the start address of the nth sync manager's 8-byte
// control block.
func SMRegister(n int) uint16 {
	return RegSMBase + uint16(n)*RegSMStride
}
