package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridscout/go-ied/ied"
)

type operateCall struct {
	ref    string
	value  ied.Value
	origin ied.Originator
	ctlNum uint8
	opts   ied.OperateOptions
}

// fakeTransport is a scriptable in-memory protocol stack. Result codes, faults
// and the capability table are configured per test; every service call is
// recorded in order.
type fakeTransport struct {
	mu sync.Mutex

	connectErr error
	connected  bool
	closed     bool

	caps    ied.Capabilities
	signals map[string]ied.Signal
	models  map[string]ied.ControlModel

	selectCode  int
	selectErr   error
	operateCode int
	operateErr  error
	cancelCode  int
	cancelErr   error
	writeErrs   map[string]error

	selects      []string
	selectValues []ied.Value
	operates     []operateCall
	cancels      []string
	writes       []string

	// operateGate, when set, blocks Operate until the channel is closed.
	// operateEntered, when set, receives one token as Operate begins blocking.
	operateGate    chan struct{}
	operateEntered chan struct{}

	reports chan ied.Report
	down    chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		caps:      ied.Capabilities{ControlObjects: true},
		signals:   make(map[string]ied.Signal),
		models:    make(map[string]ied.ControlModel),
		writeErrs: make(map[string]error),
		reports:   make(chan ied.Report, 16),
		down:      make(chan error, 1),
	}
}

func (f *fakeTransport) setSignal(address string, value ied.Value, quality ied.Quality) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[address] = ied.Signal{Address: address, Value: value, Quality: quality, UpdatedAt: time.Now()}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true

	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeTransport) Read(address string) (ied.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sig, ok := f.signals[address]
	if !ok {
		return ied.Signal{}, errAddressUnknown
	}

	return sig, nil
}

func (f *fakeTransport) Write(address string, value ied.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes = append(f.writes, address)
	if err, ok := f.writeErrs[address]; ok {
		return err
	}
	f.signals[address] = ied.Signal{Address: address, Value: value, Quality: ied.QualityGood, UpdatedAt: time.Now()}

	return nil
}

func (f *fakeTransport) ControlModel(ref string) (ied.ControlModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	model, ok := f.models[ref]
	if !ok {
		return ied.StatusOnly, errAddressUnknown
	}

	return model, nil
}

func (f *fakeTransport) Select(ref string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.selects = append(f.selects, ref)

	return f.selectCode, f.selectErr
}

func (f *fakeTransport) SelectWithValue(ref string, value ied.Value) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.selects = append(f.selects, ref)
	f.selectValues = append(f.selectValues, value)

	return f.selectCode, f.selectErr
}

func (f *fakeTransport) Operate(ref string, value ied.Value, origin ied.Originator, ctlNum uint8, opts ied.OperateOptions) (int, error) {
	f.mu.Lock()
	gate := f.operateGate
	entered := f.operateEntered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.operates = append(f.operates, operateCall{ref: ref, value: value, origin: origin, ctlNum: ctlNum, opts: opts})

	return f.operateCode, f.operateErr
}

func (f *fakeTransport) Cancel(ref string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancels = append(f.cancels, ref)

	return f.cancelCode, f.cancelErr
}

func (f *fakeTransport) Capabilities() ied.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.caps
}

func (f *fakeTransport) Reports() <-chan ied.Report { return f.reports }

func (f *fakeTransport) Disconnected() <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.down
}

func (f *fakeTransport) selectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.selects)
}

func (f *fakeTransport) operateCalls() []operateCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]operateCall(nil), f.operates...)
}

func (f *fakeTransport) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.cancels)
}

func (f *fakeTransport) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.writes...)
}

var errAddressUnknown = errorString("address unknown")

type errorString string

func (e errorString) Error() string { return string(e) }

// harness wires a connected session, control engine and event bus around a fake
// transport, mirroring what Device.Connect assembles.
type harness struct {
	cfg       *DeviceConfig
	transport *fakeTransport
	session   *Session
	engine    *ControlEngine
	bus       *ied.EventBus
	results   chan ied.ControlResult
}

func newHarness(t *testing.T, transport *fakeTransport, opts ...DeviceOption) *harness {
	t.Helper()
	require := require.New(t)

	cfg, err := NewDeviceConfig("dev1", "127.0.0.1", 102, opts...)
	require.NoError(err)

	stateMgr := ied.NewConnStateMgr(cfg.Name(), cfg.Logger())
	require.NoError(stateMgr.ToConnecting())
	require.NoError(stateMgr.ToConnected())

	bus := ied.NewEventBus(cfg.Logger())

	session := newSession(context.Background(), cfg, transport, stateMgr, bus)
	require.NoError(session.start())
	t.Cleanup(session.close)

	engine := newControlEngine(cfg, session, bus, session.taskMgr)

	results := make(chan ied.ControlResult, 8)
	bus.Subscribe(ied.ControlResultEvent, func(evt ied.Event) {
		if res, ok := evt.Payload.(ied.ControlResult); ok {
			results <- res
		}
	})

	return &harness{
		cfg:       cfg,
		transport: transport,
		session:   session,
		engine:    engine,
		bus:       bus,
		results:   results,
	}
}

// awaitResult waits for the next control result event.
func (h *harness) awaitResult(t *testing.T) ied.ControlResult {
	t.Helper()

	select {
	case res := <-h.results:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for control result")
		return ied.ControlResult{}
	}
}

// requireNoResult asserts that no control result arrives within the window.
func (h *harness) requireNoResult(t *testing.T, window time.Duration) {
	t.Helper()

	select {
	case res := <-h.results:
		t.Fatalf("unexpected control result: %+v", res)
	case <-time.After(window):
	}
}
