package ied

import (
	"context"
	"time"
)

// Capabilities describes what the remote device's protocol stack supports.
// It is probed exactly once at session setup; the control engine consults it to
// pick the primary or fallback code path deterministically instead of reacting
// to faults at call time.
type Capabilities struct {
	// ControlObjects indicates the device supports the select/operate control
	// primitives. When false, control commands are emulated by direct writes to
	// the well-known control attribute paths.
	ControlObjects bool
}

// Report is an unsolicited value update pushed by the remote device.
type Report struct {
	Address   string
	Value     Value
	Quality   Quality
	Timestamp time.Time
}

// Transport is the opaque protocol stack of one device connection.
//
// A Transport handle is exclusively owned by a single session; no two components
// may issue a request concurrently on the same handle. Most underlying stacks are
// not re-entrant, so the owning session serializes all calls.
//
// Service methods return the raw numeric result code reported by the device
// together with a transport-level error. A non-nil error means the request never
// completed (network fault, closed connection); a non-zero code means the device
// rejected the request at the protocol level. Raw codes and raw transport faults
// never cross beyond the session/engine pair that decodes them.
type Transport interface {
	// Connect establishes the connection, bounded by the context deadline.
	Connect(ctx context.Context) error

	// Close releases the connection. It aborts any request in flight.
	Close() error

	// Read reads the signal at the given address.
	Read(address string) (Signal, error)

	// Write writes a value to the given address.
	Write(address string, value Value) error

	// ControlModel resolves the ctlModel of the referenced data object.
	ControlModel(ref string) (ControlModel, error)

	// Select issues a selection request for the referenced control object.
	Select(ref string) (int, error)

	// SelectWithValue issues a selection request carrying the intended value.
	SelectWithValue(ref string, value Value) (int, error)

	// Operate issues an operate request with originator metadata, the sequence
	// counter and the caller's check flags.
	Operate(ref string, value Value, origin Originator, ctlNum uint8, opts OperateOptions) (int, error)

	// Cancel issues a deselect/cancel request for the referenced control object.
	Cancel(ref string) (int, error)

	// Capabilities reports the capability table of the connected device.
	// Only meaningful after Connect succeeded.
	Capabilities() Capabilities

	// Reports returns the channel of unsolicited value updates. The transport
	// closes it when the connection goes down.
	Reports() <-chan Report

	// Disconnected returns a channel that receives the terminal transport fault
	// when the connection is lost. The session transitions to the error state and
	// leaves any reconnect decision to the registry.
	Disconnected() <-chan error
}
