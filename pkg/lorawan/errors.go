package lorawan

import "fmt"

// ProtocolError reports a frame that ParseFrame could not decode (spec
// §4.B/§7). It never indicates a cryptographic failure — MIC mismatches
// are reported by the engines that hold the keys, not by the parser.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "lorawan: protocol error: " + e.Reason }

func errTruncated(detail string) error {
	return &ProtocolError{Reason: "truncated: " + detail}
}

func errUnknownMType(b byte) error {
	return &ProtocolError{Reason: fmt.Sprintf("unknown MType %03b", (b>>5)&0x07)}
}

func errMalformedMAC(detail string) error {
	return &ProtocolError{Reason: "malformed MAC payload: " + detail}
}
