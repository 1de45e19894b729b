package ethercat

// ALState is the application-layer state maintained per slave (spec
// Glossary, §4.4).
type ALState uint8

const (
	ALStateInit   ALState = 0x01
	ALStatePreop  ALState = 0x02
	ALStateBoot   ALState = 0x03
	ALStateSafeop ALState = 0x04
	ALStateOp     ALState = 0x08
)

func (s ALState) String() string {
	switch s {
	case ALStateInit:
		return "INIT"
	case ALStatePreop:
		return "PREOP"
	case ALStateBoot:
		return "BOOT"
	case ALStateSafeop:
		return "SAFEOP"
	case ALStateOp:
		return "OP"
	default:
		return "UNKNOWN"
	}
}

// ALStatusAckErrorBit is set in the AL status register when the slave
// refused the last requested transition; ALstatuscode then explains why.
const ALStatusAckErrorBit ALState = 0x10

// ALControlAckBit clears the error indication when written back with the
// requested state.
const ALControlAckBit ALState = 0x10
