package amf

import (
	"errors"
	"fmt"

	"github.com/ajdelguidice/as3lib-miniAMF/pkg/bytestream"
)

// ErrEndOfStream reports that the payload ran out of bytes mid-value. The
// top-level ReadValue recovers it by seeking back to the value boundary;
// anywhere else it is fatal for the payload.
var ErrEndOfStream = bytestream.ErrEndOfStream

// DecodeError reports malformed wire data: a bad marker, a bad varint,
// invalid UTF-8, a reference index out of range or a trait reference with
// no trait.
type DecodeError struct {
	Op  string // operation that failed (e.g. "amf3.object")
	Err error  // underlying cause (may be nil)
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("amf: decode %s", e.Op)
	}
	return fmt.Sprintf("amf: decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a host value the codec cannot represent on the wire.
type EncodeError struct {
	Op  string
	Err error
}

func (e *EncodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("amf: encode %s", e.Op)
	}
	return fmt.Sprintf("amf: encode %s: %v", e.Op, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// UnknownAliasError reports a wire class name with no registry entry during
// decode, when the caller has not opted into the anonymous fallback.
type UnknownAliasError struct {
	Alias string
}

func (e *UnknownAliasError) Error() string {
	return fmt.Sprintf("amf: unknown class alias %q", e.Alias)
}

// ReferenceError reports a reference-table invariant violation. It is an
// internal error and always fatal.
type ReferenceError struct {
	Op    string
	Index int
	Size  int
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("amf: %s: reference index %d outside table of %d", e.Op, e.Index, e.Size)
}

func decodeErr(op string, err error) error {
	return &DecodeError{Op: op, Err: err}
}

func decodeErrf(op, format string, args ...any) error {
	return &DecodeError{Op: op, Err: fmt.Errorf(format, args...)}
}

func encodeErrf(op, format string, args ...any) error {
	return &EncodeError{Op: op, Err: fmt.Errorf(format, args...)}
}

// isEndOfStream reports whether err is stream exhaustion.
func isEndOfStream(err error) bool {
	return errors.Is(err, bytestream.ErrEndOfStream)
}
