package client

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/gridscout/go-ied/ied"
	"github.com/gridscout/go-ied/logger"
)

// pointRuntime tracks the control workflow state of one control point. All
// fields are guarded by mu; gen invalidates in-flight workflows after a reset
// so a stale workflow never publishes a second result.
type pointRuntime struct {
	mu    sync.Mutex
	ref   string
	model ied.ControlModel
	state ied.CtlState
	gen   uint64

	// ctlNums holds the last issued sequence counter per originator ident.
	// Counters are monotonic per (point, originator) and wrap at the uint8
	// protocol width without going negative.
	ctlNums map[string]uint8

	leaseTimer  *time.Timer
	leaseExpiry time.Time
}

// nextCtlNum consumes the next sequence counter for the given originator.
func (rt *pointRuntime) nextCtlNum(ident string) uint8 {
	n := rt.ctlNums[ident] + 1
	rt.ctlNums[ident] = n

	return n
}

// disarmLease stops the lease timer, if armed.
func (rt *pointRuntime) disarmLease() {
	if rt.leaseTimer != nil {
		rt.leaseTimer.Stop()
		rt.leaseTimer = nil
	}
	rt.leaseExpiry = time.Time{}
}

// ControlEngine is the per-session select/operate state machine. It maintains
// independent workflow state per control point and is the single place the
// safety-relevant command ordering is enforced: an operate is never issued
// without a currently valid, non-expired selection when the control model
// requires one.
//
// Workflows run asynchronously; their outcome is delivered exclusively through
// ControlResult events. The synchronous entry points only reject invalid
// dispatches (busy point, unresolved reference, missing selection).
type ControlEngine struct {
	cfg     *DeviceConfig
	session *Session
	bus     *ied.EventBus
	logger  logger.Logger
	taskMgr *ied.TaskManager
	points  *xsync.MapOf[string, *pointRuntime]
	cmdSeq  atomic.Uint64
}

// newControlEngine creates the control engine for one session.
func newControlEngine(cfg *DeviceConfig, session *Session, bus *ied.EventBus, taskMgr *ied.TaskManager) *ControlEngine {
	return &ControlEngine{
		cfg:     cfg,
		session: session,
		bus:     bus,
		logger:  cfg.Logger().With("device", cfg.Name()),
		taskMgr: taskMgr,
		points:  xsync.NewMapOf[string, *pointRuntime](),
	}
}

// SendCommand dispatches the full control workflow for the referenced point:
// selection first when the control model requires it, then the operate request.
//
// The call returns immediately after dispatch. ied.ErrPointBusy is returned when
// a workflow is already active on the point; the existing workflow state is left
// unchanged and nothing is queued, since re-dispatching a breaker or switch
// command while one is outstanding is unsafe.
func (e *ControlEngine) SendCommand(ref string, value ied.Value, origin ied.Originator, opts ied.OperateOptions) error {
	cp, err := e.session.ControlPoint(ref)
	if err != nil {
		return err
	}

	origin = e.defaultOrigin(origin)
	rt := e.runtime(cp)

	rt.mu.Lock()
	if rt.state != ied.CtlIdle {
		rt.mu.Unlock()
		return ied.ErrPointBusy
	}

	rt.gen++
	gen := rt.gen
	sbo := cp.Model.IsSBO() && e.session.Capabilities().ControlObjects
	if sbo {
		rt.state = ied.CtlSelectPending
	} else {
		rt.state = ied.CtlOperatePending
	}
	rt.mu.Unlock()

	name := fmt.Sprintf("control-%s-%d", ref, e.cmdSeq.Add(1))
	err = e.taskMgr.Start(name, func() bool {
		if sbo {
			if !e.selectPhase(rt, cp, value, origin, gen) {
				return false
			}
		}
		e.operatePhase(rt, cp, value, origin, opts, gen)

		return false
	})
	if err != nil {
		e.foldIdle(rt, gen)
		return err
	}

	return nil
}

// Select runs the selection phase only, leaving the point in the selected state
// with the lease timer armed. The caller must operate before the lease expires
// or the engine autonomously returns the point to idle and publishes a timeout
// failure.
//
// Points whose control model does not require selection are a no-op.
func (e *ControlEngine) Select(ref string, value ied.Value, origin ied.Originator) error {
	cp, err := e.session.ControlPoint(ref)
	if err != nil {
		return err
	}

	if !cp.Model.IsSBO() || !e.session.Capabilities().ControlObjects {
		e.logger.Debug("selection not required", "ref", ref, "model", cp.Model)
		return nil
	}

	origin = e.defaultOrigin(origin)
	rt := e.runtime(cp)

	rt.mu.Lock()
	if rt.state != ied.CtlIdle {
		rt.mu.Unlock()
		return ied.ErrPointBusy
	}

	rt.gen++
	gen := rt.gen
	rt.state = ied.CtlSelectPending
	rt.mu.Unlock()

	name := fmt.Sprintf("select-%s-%d", ref, e.cmdSeq.Add(1))
	err = e.taskMgr.Start(name, func() bool {
		e.selectPhase(rt, cp, value, origin, gen)
		return false
	})
	if err != nil {
		e.foldIdle(rt, gen)
		return err
	}

	return nil
}

// Operate runs the operate phase of a previously selected SBO point, or the
// whole workflow for a direct control point.
//
// An SBO point must hold a currently valid selection; otherwise the call is
// rejected with ied.ErrNotSelected and no request is issued.
func (e *ControlEngine) Operate(ref string, value ied.Value, origin ied.Originator, opts ied.OperateOptions) error {
	cp, err := e.session.ControlPoint(ref)
	if err != nil {
		return err
	}

	origin = e.defaultOrigin(origin)
	rt := e.runtime(cp)

	rt.mu.Lock()
	sbo := cp.Model.IsSBO() && e.session.Capabilities().ControlObjects

	var gen uint64
	switch {
	case sbo && rt.state == ied.CtlSelected:
		gen = rt.gen
	case sbo:
		state := rt.state
		rt.mu.Unlock()
		if state == ied.CtlIdle {
			return ied.ErrNotSelected
		}
		return ied.ErrPointBusy
	case rt.state == ied.CtlIdle:
		rt.gen++
		gen = rt.gen
		rt.state = ied.CtlOperatePending
	default:
		rt.mu.Unlock()
		return ied.ErrPointBusy
	}
	rt.mu.Unlock()

	name := fmt.Sprintf("operate-%s-%d", ref, e.cmdSeq.Add(1))
	err = e.taskMgr.Start(name, func() bool {
		e.operatePhase(rt, cp, value, origin, opts, gen)
		return false
	})
	if err != nil {
		e.foldIdle(rt, gen)
		return err
	}

	return nil
}

// Cancel aborts a pending or held selection, issuing a deselect request to the
// device. Cancellation is not permitted once the operate request has been
// issued; an in-flight operate cannot be revoked and the caller must await its
// result. Cancelling an idle point is a no-op.
func (e *ControlEngine) Cancel(ref string) error {
	rt, ok := e.points.Load(ref)
	if !ok {
		return nil
	}

	rt.mu.Lock()
	switch rt.state {
	case ied.CtlIdle:
		rt.mu.Unlock()
		return nil
	case ied.CtlOperatePending:
		rt.mu.Unlock()
		return ied.ErrCancelNotAllowed
	default:
	}

	rt.gen++
	rt.disarmLease()
	rt.state = ied.CtlIdle
	rt.mu.Unlock()

	name := fmt.Sprintf("cancel-%s-%d", ref, e.cmdSeq.Add(1))
	_ = e.taskMgr.Start(name, func() bool {
		if code, err := e.session.cancelPoint(ref); err != nil {
			e.logger.Warn("cancel request failed", "ref", ref, "error", err)
		} else if svc := ied.DecodeServiceError(code); svc != nil {
			e.logger.Warn("cancel rejected by device", "ref", ref, "kind", svc.Kind, "code", svc.Code)
		}

		return false
	})

	e.logger.Info("selection cancelled", "ref", ref)

	return nil
}

// Reset forces every active control workflow back to idle, publishing a
// connection-class failure for each. Used on disconnect; in-flight workflow
// goroutines are invalidated and will not publish a second result.
func (e *ControlEngine) Reset(reason string) {
	e.points.Range(func(ref string, rt *pointRuntime) bool {
		rt.mu.Lock()
		state := rt.state
		rt.gen++
		rt.disarmLease()
		rt.state = ied.CtlIdle
		rt.mu.Unlock()

		if state != ied.CtlIdle {
			e.bus.Publish(ied.NewEvent(ied.ControlResultEvent, e.cfg.Name(), ied.ControlResult{
				Ref:     ref,
				Success: false,
				Class:   ied.FailureConnection,
				Kind:    ied.KindUnknown,
				Message: reason,
			}))
		}

		return true
	})
}

// State returns the current workflow state of the referenced point.
func (e *ControlEngine) State(ref string) ied.CtlState {
	rt, ok := e.points.Load(ref)
	if !ok {
		return ied.CtlIdle
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.state
}

// runtime returns the workflow runtime of the point, creating it on first use.
func (e *ControlEngine) runtime(cp ied.ControlPoint) *pointRuntime {
	rt, _ := e.points.LoadOrCompute(cp.Ref, func() *pointRuntime {
		return &pointRuntime{
			ref:     cp.Ref,
			model:   cp.Model,
			state:   ied.CtlIdle,
			ctlNums: make(map[string]uint8),
		}
	})

	return rt
}

// defaultOrigin fills empty originator fields from the device configuration.
func (e *ControlEngine) defaultOrigin(origin ied.Originator) ied.Originator {
	def := e.cfg.Originator()
	if origin.Ident == "" {
		origin.Ident = def.Ident
	}
	if origin.Cat == ied.OrCatNotSupported {
		origin.Cat = def.Cat
	}

	return origin
}

// selectPhase issues the selection request and arms the lease timer. It returns
// true when the point holds a valid selection afterwards.
func (e *ControlEngine) selectPhase(rt *pointRuntime, cp ied.ControlPoint, value ied.Value, origin ied.Originator, gen uint64) bool {
	var (
		code int
		err  error
	)
	if cp.Model == ied.SBOEnhanced {
		// select-with-value carries the intended value
		code, err = e.session.selectWithValue(cp.Ref, value)
	} else {
		code, err = e.session.selectPoint(cp.Ref)
	}

	if err != nil {
		e.fail(rt, gen, value, 0, classifyErr(err), ied.KindUnknown, 0, err.Error())
		return false
	}

	if svc := ied.DecodeServiceError(code); svc != nil {
		e.fail(rt, gen, value, 0, ied.FailureControl, svc.Kind, svc.Code, svc.Error())
		return false
	}

	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return false // workflow was reset or cancelled meanwhile
	}

	rt.state = ied.CtlSelected
	rt.leaseExpiry = time.Now().Add(e.cfg.SelectTimeout())
	rt.leaseTimer = time.AfterFunc(e.cfg.SelectTimeout(), func() {
		e.leaseExpired(rt, gen)
	})
	rt.mu.Unlock()

	e.logger.Debug("point selected", "ref", cp.Ref, "model", cp.Model, "lease", e.cfg.SelectTimeout())

	return true
}

// leaseExpired fires when a selection lapsed before the operate was issued. The
// point unconditionally returns to idle and exactly one timeout failure is
// published; no operate request is ever issued using a lapsed selection.
func (e *ControlEngine) leaseExpired(rt *pointRuntime, gen uint64) {
	rt.mu.Lock()
	if rt.gen != gen || rt.state != ied.CtlSelected {
		rt.mu.Unlock()
		return
	}

	rt.gen++
	rt.leaseTimer = nil
	rt.leaseExpiry = time.Time{}
	rt.state = ied.CtlIdle
	rt.mu.Unlock()

	e.logger.Warn("select lease expired", "ref", rt.ref, "lease", e.cfg.SelectTimeout())

	e.bus.Publish(ied.NewEvent(ied.ControlResultEvent, e.cfg.Name(), ied.ControlResult{
		Ref:     rt.ref,
		Success: false,
		Class:   ied.FailureTimeout,
		Kind:    ied.KindUnknown,
		Message: ied.ErrSelectLeaseExpired.Error(),
	}))
}

// operatePhase issues the operate request and publishes the workflow outcome.
func (e *ControlEngine) operatePhase(rt *pointRuntime, cp ied.ControlPoint, value ied.Value, origin ied.Originator, opts ied.OperateOptions, gen uint64) {
	if !e.session.Capabilities().ControlObjects {
		e.operateFallback(rt, cp, value, origin, gen)
		return
	}

	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return
	}

	if cp.Model.IsSBO() {
		if rt.state != ied.CtlSelected {
			// lease lapsed between phases; the expiry already published the failure
			rt.mu.Unlock()
			return
		}
		rt.disarmLease()
	}

	rt.state = ied.CtlOperatePending
	ctlNum := rt.nextCtlNum(origin.Ident)
	rt.mu.Unlock()

	code, err := e.session.operate(cp.Ref, value, origin, ctlNum, opts)
	if err != nil {
		e.fail(rt, gen, value, ctlNum, classifyErr(err), ied.KindUnknown, 0, err.Error())
		return
	}

	if svc := ied.DecodeServiceError(code); svc != nil {
		e.fail(rt, gen, value, ctlNum, ied.FailureControl, svc.Kind, svc.Code, svc.Error())
		return
	}

	e.complete(rt, gen, value, ctlNum)
}

// operateFallback emulates the operate service by writing directly to the
// well-known control attribute paths. Path variants are tried in a fixed
// priority order; the first one the device acknowledges wins and the remaining
// attempts are aborted.
func (e *ControlEngine) operateFallback(rt *pointRuntime, cp ied.ControlPoint, value ied.Value, origin ied.Originator, gen uint64) {
	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return
	}
	rt.state = ied.CtlOperatePending
	ctlNum := rt.nextCtlNum(origin.Ident)
	rt.mu.Unlock()

	var lastErr error
	for _, path := range operPathVariants(cp.Ref) {
		err := e.session.directWrite(path, value)
		if err == nil {
			e.logger.Info("fallback operate accepted", "ref", cp.Ref, "path", path)
			e.complete(rt, gen, value, ctlNum)

			return
		}

		lastErr = err
		e.logger.Debug("fallback path rejected", "ref", cp.Ref, "path", path, "error", err)
	}

	e.fail(rt, gen, value, ctlNum, classifyErr(lastErr), ied.KindUnknown, 0,
		fmt.Sprintf("all fallback paths rejected: %v", lastErr))
}

// complete folds the workflow through completed back to idle and publishes the
// success result.
func (e *ControlEngine) complete(rt *pointRuntime, gen uint64, value ied.Value, ctlNum uint8) {
	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return
	}

	rt.state = ied.CtlCompleted
	rt.state = ied.CtlIdle
	rt.mu.Unlock()

	e.bus.Publish(ied.NewEvent(ied.ControlResultEvent, e.cfg.Name(), ied.ControlResult{
		Ref:     rt.ref,
		Value:   value,
		Success: true,
		CtlNum:  ctlNum,
	}))
}

// fail folds the workflow through failed back to idle and publishes the decoded
// failure result.
func (e *ControlEngine) fail(rt *pointRuntime, gen uint64, value ied.Value, ctlNum uint8, class ied.FailureClass, kind ied.ErrorKind, code int, msg string) {
	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return
	}

	rt.disarmLease()
	rt.state = ied.CtlFailed
	rt.state = ied.CtlIdle
	rt.mu.Unlock()

	e.logger.Warn("control workflow failed", "ref", rt.ref, "class", class, "kind", kind, "code", code, "message", msg)

	e.bus.Publish(ied.NewEvent(ied.ControlResultEvent, e.cfg.Name(), ied.ControlResult{
		Ref:     rt.ref,
		Value:   value,
		Success: false,
		CtlNum:  ctlNum,
		Class:   class,
		Kind:    kind,
		Code:    code,
		Message: msg,
	}))
}

// foldIdle reverts a dispatch that never started its workflow goroutine.
func (e *ControlEngine) foldIdle(rt *pointRuntime, gen uint64) {
	rt.mu.Lock()
	if rt.gen == gen {
		rt.disarmLease()
		rt.state = ied.CtlIdle
	}
	rt.mu.Unlock()
}

// classifyErr maps session-level errors to the failure taxonomy.
func classifyErr(err error) ied.FailureClass {
	if errors.Is(err, ied.ErrRequestTimeout) {
		return ied.FailureTimeout
	}

	return ied.FailureConnection
}

// operPathVariants builds the direct-write path variants for a control object
// reference in fixed priority order: the dollar-separated MMS form first, then
// the dotted CO form, then the simple dotted form.
func operPathVariants(ref string) []string {
	slash := strings.IndexByte(ref, '/')
	if slash < 0 {
		return []string{ref + "$Oper", ref + ".Oper"}
	}

	dot := strings.IndexByte(ref[slash:], '.')
	if dot < 0 {
		return []string{ref + "$Oper", ref + ".Oper"}
	}

	ln := ref[:slash+dot]
	do := ref[slash+dot+1:]

	return []string{
		ln + "$CO$" + strings.ReplaceAll(do, ".", "$") + "$Oper",
		ln + ".CO." + do + ".Oper",
		ln + "." + do + ".Oper",
	}
}
