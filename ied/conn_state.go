package ied

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gridscout/go-ied/logger"
)

// ConnState represents the various stages of a device connection.
type ConnState uint32

// Device connection states.
const (
	// DisconnectedState indicates that no transport connection is established.
	DisconnectedState ConnState = iota
	// ConnectingState indicates that transport establishment is in progress.
	ConnectingState
	// ConnectedState indicates that the session is established and ready for requests.
	ConnectedState
	// ErrorState indicates that the connection was lost or establishment failed.
	// The registry decides whether to reconnect; the session never reconnects on its own.
	ErrorState
)

// IsDisconnected returns if the current state is disconnected.
func (cs ConnState) IsDisconnected() bool { return cs == DisconnectedState }

// IsConnecting returns if the current state is connecting.
func (cs ConnState) IsConnecting() bool { return cs == ConnectingState }

// IsConnected returns if the current state is connected.
func (cs ConnState) IsConnected() bool { return cs == ConnectedState }

// IsError returns if the current state is the error state.
func (cs ConnState) IsError() bool { return cs == ErrorState }

// String returns string representation of the current state.
func (cs ConnState) String() string {
	switch cs {
	case DisconnectedState:
		return "disconnected"
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	case ErrorState:
		return "error"
	default:
		return "unknown"
	}
}

// ConnStateChangeHandler is a function type that represents a handler for connection
// state changes of a single device.
//
// Note: the handler will be invoked in a blocking mode. Take care with long-running
// implementations.
type ConnStateChangeHandler func(device string, prevState ConnState, newState ConnState)

// ConnStateMgr manages the connection state of one device.
//
// It provides methods for managing state transitions and notifying listeners of
// state changes. The state transitions are thread safe in concurrent environments.
type ConnStateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	device   string
	logger   logger.Logger
	handlers []ConnStateChangeHandler
}

// NewConnStateMgr creates a new ConnStateMgr instance for the named device,
// initializing it to the DisconnectedState.
//
// It accepts optional ConnStateChangeHandler functions that will be invoked when
// the connection state changes.
func NewConnStateMgr(device string, l logger.Logger, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	cs := &ConnStateMgr{
		device:   device,
		logger:   l,
		handlers: make([]ConnStateChangeHandler, 0, len(handlers)),
	}
	cs.handlers = append(cs.handlers, handlers...)

	cs.state.Store(uint32(DisconnectedState))
	cs.cond = sync.NewCond(&cs.mu)

	return cs
}

// State returns the current connection state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler adds one or more ConnStateChangeHandler functions to be invoked on state changes.
func (cs *ConnStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState waits for the connection state to reach the specified state or until the
// context is done. It returns nil if the desired state is reached, or an error if the
// context is canceled or times out.
func (cs *ConnStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.cond.Broadcast()
	})
	defer stopFunc()

	for cs.State() != state {
		select {
		case <-ctx.Done():
			cs.logger.Debug("wait connection state canceled", "device", cs.device, "cur_state", cs.State(), "desired_state", state)
			return ctx.Err()
		default:
			cs.cond.Wait()
		}
	}

	return nil
}

// ToConnecting transitions the connection state to ConnectingState.
//
// This transition is only allowed from the DisconnectedState or ErrorState.
// If the state is already ConnectingState, the function is a no-op.
//
// Returns nil on success, or ErrInvalidTransition otherwise.
func (cs *ConnStateMgr) ToConnecting() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsConnecting() {
		return nil // Already in ConnectingState, No-op
	}

	if !curState.IsDisconnected() && !curState.IsError() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, ConnectingState)
	// change state after all handlers finished
	cs.setState(ConnectingState)

	return nil
}

// ToConnected transitions the connection state to ConnectedState.
//
// This transition is only allowed from the ConnectingState and indicates that the
// session is established and ready for requests.
// If the state is already ConnectedState, the function is a no-op.
//
// Returns nil on success, or ErrInvalidTransition otherwise.
func (cs *ConnStateMgr) ToConnected() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsConnected() {
		return nil // Already in ConnectedState, No-op
	}

	if !curState.IsConnecting() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, ConnectedState)
	// change state after all handlers finished
	cs.setState(ConnectedState)

	return nil
}

// ToError transitions the connection state to ErrorState.
// This transition is allowed from any state and represents a failed establishment
// attempt or a lost transport connection.
func (cs *ConnStateMgr) ToError() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsError() {
		return // Already in ErrorState, no need to transition
	}

	// change state to error BEFORE all handlers finished
	cs.setState(ErrorState)

	cs.invokeHandlers(curState, ErrorState)
}

// ToDisconnected transitions the connection state to DisconnectedState.
// This transition is allowed from any state and represents a teardown or a reset
// of the connection.
func (cs *ConnStateMgr) ToDisconnected() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsDisconnected() {
		return // Already in DisconnectedState, no need to transition
	}

	// change state to disconnected BEFORE all handlers finished
	cs.setState(DisconnectedState)

	cs.invokeHandlers(curState, DisconnectedState)
}

// IsConnected returns if the current state is connected.
func (cs *ConnStateMgr) IsConnected() bool {
	return cs.State().IsConnected()
}

// IsDisconnected returns if the current state is disconnected.
func (cs *ConnStateMgr) IsDisconnected() bool {
	return cs.State().IsDisconnected()
}

// setState atomically sets the current state to the newState. It also broadcasts a
// signal to any waiting goroutines.
func (cs *ConnStateMgr) setState(newState ConnState) {
	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()
}

// invokeHandlers invokes all registered ConnStateChangeHandler functions with the
// previous and new states.
func (cs *ConnStateMgr) invokeHandlers(prevState ConnState, newState ConnState) {
	for _, handler := range cs.handlers {
		if handler != nil {
			handler(cs.device, prevState, newState)
		}
	}
}
