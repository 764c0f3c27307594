// Package ied provides the shared core types for the go-ied client stack:
// the device connection state machine, the typed event bus, the control
// workflow types (control models, originators, operate options), the tagged
// process-value variant, and the service error taxonomy that decodes raw
// protocol result codes into semantic kinds.
//
// The package models an IEC 61850 style client at the ACSI level. The wire
// protocol itself is treated as opaque and is reached exclusively through
// the Transport interface; raw transport faults and numeric service codes
// never cross beyond the components that decode them.
package ied
