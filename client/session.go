package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/gridscout/go-ied/ied"
	"github.com/gridscout/go-ied/internal/pool"
	"github.com/gridscout/go-ied/logger"
)

// request is one queued transport call. The sender task runs requests strictly
// one at a time, in FIFO order; done is closed when the call returned.
type request struct {
	name string
	run  func()
	done chan struct{}
}

// Session owns one device's transport handle exclusively.
//
// The underlying protocol stacks are not re-entrant, so the session keeps a single
// request in flight and queues the rest FIFO. The queue is bounded; an enqueue
// beyond the bound is rejected with ied.ErrQueueFull instead of blocking the
// caller. Each caller waits for its result no longer than the configured response
// timeout.
//
// On a transport-level disconnect notification the session transitions the device
// to the error state and stops; it never reconnects on its own. The registry
// decides whether to reconnect, keeping the failure visible.
type Session struct {
	cfg       *DeviceConfig
	transport ied.Transport
	stateMgr  *ied.ConnStateMgr
	bus       *ied.EventBus
	logger    logger.Logger
	taskMgr   *ied.TaskManager

	reqChan chan *request
	done    chan struct{}
	closed  atomic.Bool

	// onDown is invoked once when the transport reports a disconnect.
	onDown func(reason string)

	caps   ied.Capabilities
	points *xsync.MapOf[string, ied.ControlPoint]
}

// newSession creates a session owning the given transport handle.
// The transport must already be connected.
func newSession(ctx context.Context, cfg *DeviceConfig, transport ied.Transport, stateMgr *ied.ConnStateMgr, bus *ied.EventBus) *Session {
	return &Session{
		cfg:       cfg,
		transport: transport,
		stateMgr:  stateMgr,
		bus:       bus,
		logger:    cfg.Logger().With("device", cfg.Name()),
		taskMgr:   ied.NewTaskManager(ctx, cfg.Logger()),
		reqChan:   make(chan *request, cfg.RequestQueueSize()),
		done:      make(chan struct{}),
		points:    xsync.NewMapOf[string, ied.ControlPoint](),
	}
}

// start probes the device capabilities and starts the sender and disconnect
// watcher tasks. The capability table is populated exactly once here; the control
// engine consults it instead of probing via failed requests at call time.
func (s *Session) start() error {
	s.caps = s.transport.Capabilities()

	if err := s.taskMgr.Start("sender-"+s.cfg.Name(), s.senderTask); err != nil {
		return err
	}

	return s.taskMgr.Start("disconnect-watch-"+s.cfg.Name(), s.watchDisconnect)
}

// Capabilities returns the capability table probed at session setup.
func (s *Session) Capabilities() ied.Capabilities {
	return s.caps
}

// ReadSignal reads the signal at the given address through the request queue.
func (s *Session) ReadSignal(address string) (ied.Signal, error) {
	if !s.stateMgr.IsConnected() {
		return ied.Signal{}, ied.ErrNotConnected
	}

	var (
		sig  ied.Signal
		rerr error
	)
	if err := s.do("read "+address, func() { sig, rerr = s.transport.Read(address) }); err != nil {
		return ied.Signal{}, err
	}

	if rerr != nil {
		return ied.Signal{}, fmt.Errorf("%w: read %s: %v", ied.ErrConnection, address, rerr)
	}

	return sig, nil
}

// WriteSignal writes a value to the given address through the request queue.
func (s *Session) WriteSignal(address string, value ied.Value) error {
	if !s.stateMgr.IsConnected() {
		return ied.ErrNotConnected
	}

	var werr error
	if err := s.do("write "+address, func() { werr = s.transport.Write(address, value) }); err != nil {
		return err
	}

	if werr != nil {
		return fmt.Errorf("%w: write %s: %v", ied.ErrConnection, address, werr)
	}

	return nil
}

// ControlPoint returns the cached control point descriptor for the given object
// reference, discovering it on first use. References that do not resolve to a
// controllable point fail with ied.ErrUnresolvedPoint.
func (s *Session) ControlPoint(ref string) (ied.ControlPoint, error) {
	if cp, ok := s.points.Load(ref); ok {
		return cp, nil
	}

	if !s.stateMgr.IsConnected() {
		return ied.ControlPoint{}, ied.ErrNotConnected
	}

	var (
		model ied.ControlModel
		merr  error
	)
	if err := s.do("ctlmodel "+ref, func() { model, merr = s.transport.ControlModel(ref) }); err != nil {
		return ied.ControlPoint{}, err
	}

	if merr != nil {
		return ied.ControlPoint{}, fmt.Errorf("%w: %s: %v", ied.ErrUnresolvedPoint, ref, merr)
	}

	if !model.Controllable() {
		return ied.ControlPoint{}, fmt.Errorf("%w: %s is %s", ied.ErrUnresolvedPoint, ref, model)
	}

	cp := ied.ControlPoint{Ref: ref, Model: model}
	s.points.Store(ref, cp)

	return cp, nil
}

// selectPoint issues a selection request for the referenced control object.
func (s *Session) selectPoint(ref string) (int, error) {
	var (
		code int
		serr error
	)
	if err := s.do("select "+ref, func() { code, serr = s.transport.Select(ref) }); err != nil {
		return 0, err
	}

	return code, serr
}

// selectWithValue issues a selection request carrying the intended value.
func (s *Session) selectWithValue(ref string, value ied.Value) (int, error) {
	var (
		code int
		serr error
	)
	if err := s.do("select-with-value "+ref, func() { code, serr = s.transport.SelectWithValue(ref, value) }); err != nil {
		return 0, err
	}

	return code, serr
}

// operate issues an operate request for the referenced control object.
func (s *Session) operate(ref string, value ied.Value, origin ied.Originator, ctlNum uint8, opts ied.OperateOptions) (int, error) {
	var (
		code int
		oerr error
	)
	if err := s.do("operate "+ref, func() { code, oerr = s.transport.Operate(ref, value, origin, ctlNum, opts) }); err != nil {
		return 0, err
	}

	return code, oerr
}

// cancelPoint issues a deselect/cancel request for the referenced control object.
func (s *Session) cancelPoint(ref string) (int, error) {
	var (
		code int
		cerr error
	)
	if err := s.do("cancel "+ref, func() { code, cerr = s.transport.Cancel(ref) }); err != nil {
		return 0, err
	}

	return code, cerr
}

// directWrite writes to a raw attribute path, used by the control engine to
// emulate the operate service on devices without control object support.
func (s *Session) directWrite(path string, value ied.Value) error {
	var werr error
	if err := s.do("direct-write "+path, func() { werr = s.transport.Write(path, value) }); err != nil {
		return err
	}

	return werr
}

// reports exposes the transport's unsolicited report channel to the poller.
func (s *Session) reports() <-chan ied.Report {
	return s.transport.Reports()
}

// do enqueues a transport call and waits for its completion, bounded by the
// configured response timeout.
func (s *Session) do(name string, fn func()) error {
	if s.closed.Load() {
		return ied.ErrSessionClosed
	}

	req := &request{name: name, run: fn, done: make(chan struct{})}

	select {
	case s.reqChan <- req:
	default:
		s.logger.Warn("request queue full, rejecting", "request", name, "queue_size", s.cfg.RequestQueueSize())
		return ied.ErrQueueFull
	}

	timer := pool.GetTimer(s.cfg.OperateTimeout())
	defer pool.PutTimer(timer)

	select {
	case <-req.done:
		return nil
	case <-s.done:
		return ied.ErrSessionClosed
	case <-timer.C:
		s.logger.Warn("request response timeout", "request", name, "timeout", s.cfg.OperateTimeout())
		return ied.ErrRequestTimeout
	}
}

// senderTask services the request queue, one request at a time.
func (s *Session) senderTask() bool {
	select {
	case <-s.done:
		return false
	case req := <-s.reqChan:
		if s.logger.Level() == logger.DebugLevel {
			s.logger.Debug("execute request", "request", req.name)
		}

		req.run()
		close(req.done)

		return true
	}
}

// watchDisconnect waits for the transport-level disconnect notification. The
// session transitions to the error state and publishes the status change; it
// leaves any reconnect decision to the registry.
func (s *Session) watchDisconnect() bool {
	select {
	case <-s.done:
		return false
	case err, ok := <-s.transport.Disconnected():
		if !ok || s.closed.Load() {
			return false
		}

		reason := "transport disconnected"
		if err != nil {
			reason = err.Error()
		}

		s.logger.Warn("transport disconnected", "reason", reason)

		if s.onDown != nil {
			s.onDown(reason)
		}

		s.stateMgr.ToError()
		s.bus.Publish(ied.NewEvent(ied.StatusChangedEvent, s.cfg.Name(), ied.StatusChanged{
			Connected: false,
			State:     ied.ErrorState,
			Reason:    reason,
		}))

		return false
	}
}

// close tears the session down: it aborts queued and waiting requests, stops all
// tasks, releases the transport handle and invalidates the control point cache.
func (s *Session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	close(s.done)

	s.taskMgr.Stop()
	s.taskMgr.Wait()

	if err := s.transport.Close(); err != nil {
		s.logger.Error("failed to close transport", "error", err)
	}

	s.points.Clear()
}
