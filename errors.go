package ethercat

import "errors"

// Sentinel errors returned by the core plumbing (frame codec, dispatcher,
// device binding). Protocol-level failures (CoE aborts, FoE errors, AL
// status codes) are represented by their own typed codes in pkg/coe,
// pkg/foe and pkg/al instead of these.
var (
	ErrIllegalArgument  = errors.New("ethercat: illegal argument")
	ErrFrameTooShort    = errors.New("ethercat: frame shorter than declared length")
	ErrFrameTooLong     = errors.New("ethercat: frame exceeds maximum Ethernet payload")
	ErrBadFrameType     = errors.New("ethercat: frame type field is not EtherCAT (1)")
	ErrDatagramNotQueue = errors.New("ethercat: datagram is not queued or sent")
	ErrQueueFull        = errors.New("ethercat: no free datagram index available")
	ErrNoBus            = errors.New("ethercat: no device bound to dispatcher")
	ErrLinkDown         = errors.New("ethercat: link is down")
)
