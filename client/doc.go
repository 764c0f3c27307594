// Package client implements the device-facing client stack: the connection
// registry owning all configured devices, the per-device session that
// exclusively owns its transport handle and serializes requests, the control
// operation engine enforcing the select-before-operate workflow, and the
// signal poller that turns value changes into events.
//
// All state changes and control results surface through the ied.EventBus;
// the synchronous entry points only ever reject invalid dispatches.
package client
