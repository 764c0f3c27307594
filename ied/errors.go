package ied

import "errors"

var (
	// ErrDuplicateName indicates that a device with the same name is already registered.
	ErrDuplicateName = errors.New("device name already registered")

	// ErrDeviceNotFound indicates that no device with the given name is registered.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrConfigNil indicates that a nil DeviceConfig was provided.
	ErrConfigNil = errors.New("device config is nil")

	// ErrTransportNil indicates that a nil Transport was encountered.
	ErrTransportNil = errors.New("transport is nil")
)

var (
	// ErrNotConnected indicates that the session is not in the connected state.
	ErrNotConnected = errors.New("session not connected")

	// ErrConnection indicates a transport or network level failure. Raw transport
	// faults are re-wrapped into this kind before they leave the session.
	ErrConnection = errors.New("connection failure")

	// ErrSessionClosed indicates that the session has been torn down while a
	// request was queued or in flight.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueFull indicates that the session request queue is full.
	// The session rejects new requests instead of blocking the caller.
	ErrQueueFull = errors.New("session request queue full")

	// ErrRequestTimeout indicates that a queued request did not complete within
	// the configured response timeout.
	ErrRequestTimeout = errors.New("request response timeout")
)

var (
	// ErrPointBusy indicates that a control workflow is already active on the point.
	ErrPointBusy = errors.New("control point busy")

	// ErrUnresolvedPoint indicates that the object reference does not resolve to
	// a controllable point.
	ErrUnresolvedPoint = errors.New("reference does not resolve to a controllable point")

	// ErrCancelNotAllowed indicates that the control workflow can no longer be
	// cancelled. An operate request that has been issued cannot be revoked.
	ErrCancelNotAllowed = errors.New("cancel not allowed in current workflow state")

	// ErrNotSelected indicates that an operate was requested on an SBO point
	// without a currently valid selection.
	ErrNotSelected = errors.New("point not selected")

	// ErrSelectLeaseExpired indicates that the select lease lapsed before the
	// operate request was issued.
	ErrSelectLeaseExpired = errors.New("select lease expired")
)

var (
	// ErrInvalidTransition is returned when an attempt is made to transition the
	// connection state to an invalid state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrValueType indicates that a Value accessor was called with a mismatched type tag.
	ErrValueType = errors.New("value type mismatch")
)
