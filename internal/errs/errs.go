// Package errs defines the tagged error kinds raised across the packet
// plane (spec §7). Every kind is a distinct sentinel or typed error so
// callers can distinguish them with errors.Is/errors.As; none of them
// panic and none retry internally.
package errs

import "fmt"

// Sentinel errors that carry no extra data.
var (
	ErrMicInvalid       = fmt.Errorf("lorawan: MIC verification failed")
	ErrDevNonceReplay    = fmt.Errorf("lorawan: DevNonce already recorded for this device")
	ErrFcntReplay        = fmt.Errorf("lorawan: frame counter did not advance")
	ErrFcntTooFarAhead   = fmt.Errorf("lorawan: frame counter exceeds rollover tolerance window")
	ErrUnknownDevice     = fmt.Errorf("lorawan: no device matches the frame")
	ErrDownlinkTimeout   = fmt.Errorf("downlink: no acknowledgement before deadline")
	ErrInvalidTimeout    = fmt.Errorf("downlink: timeout must be a positive duration")
	ErrDecodeTimeout     = fmt.Errorf("decode: script exceeded its wall-clock budget")
)

// DecodeError reports a failure from the decode runtime (§4.F). Compile
// failures happen at compile() time; Runtime and Timeout happen at eval().
type DecodeError struct {
	Kind    DecodeErrorKind
	Message string
}

type DecodeErrorKind int

const (
	DecodeCompile DecodeErrorKind = iota
	DecodeRuntime
	DecodeTimeout
)

func (e *DecodeError) Error() string {
	switch e.Kind {
	case DecodeCompile:
		return "decode: compile error: " + e.Message
	case DecodeTimeout:
		return "decode: timeout"
	default:
		return "decode: runtime error: " + e.Message
	}
}

func (e *DecodeError) Is(target error) bool {
	if e.Kind == DecodeTimeout {
		return target == ErrDecodeTimeout
	}
	return false
}

// BusPublishError wraps a failure to publish onto the message bus.
type BusPublishError struct {
	Topic string
	Err   error
}

func (e *BusPublishError) Error() string {
	return fmt.Sprintf("bus: publish to %q failed: %v", e.Topic, e.Err)
}

func (e *BusPublishError) Unwrap() error { return e.Err }

// DbError wraps a failure from the persistence layer.
type DbError struct {
	Op  string
	Err error
}

func (e *DbError) Error() string {
	return fmt.Sprintf("db: %s failed: %v", e.Op, e.Err)
}

func (e *DbError) Unwrap() error { return e.Err }
