package client

import (
	"errors"
	"sort"
	"sync"

	"github.com/gridscout/go-ied/ied"
	"github.com/gridscout/go-ied/logger"
)

// SignalPoller keeps a set of watched signal addresses fresh. It refreshes them
// on a fixed interval through the session request queue and additionally folds
// unsolicited device reports into the same update stream, so subscribers see one
// uniform sequence of SignalUpdated events regardless of how a value arrived.
//
// By default only changed values are published; duplicate suppression compares
// value and quality, not the refresh timestamp. The AlwaysPublish config option
// turns the poller into a plain periodic broadcaster.
type SignalPoller struct {
	cfg     *DeviceConfig
	session *Session
	bus     *ied.EventBus
	logger  logger.Logger
	taskMgr *ied.TaskManager

	mu      sync.Mutex
	watched map[string]struct{}
	cache   map[string]ied.Signal
	running bool
}

// newSignalPoller creates the poller for one session.
func newSignalPoller(cfg *DeviceConfig, session *Session, bus *ied.EventBus, taskMgr *ied.TaskManager) *SignalPoller {
	return &SignalPoller{
		cfg:     cfg,
		session: session,
		bus:     bus,
		logger:  cfg.Logger().With("device", cfg.Name()),
		taskMgr: taskMgr,
		watched: make(map[string]struct{}),
		cache:   make(map[string]ied.Signal),
	}
}

// start begins the periodic refresh cycle and the report pump.
func (p *SignalPoller) start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("poller already running")
	}
	p.running = true
	p.mu.Unlock()

	_, err := p.taskMgr.StartInterval("poll-"+p.cfg.Name(), p.pollCycle, p.cfg.PollInterval(), false)
	if err != nil {
		return err
	}

	return p.taskMgr.StartReportPump("reports-"+p.cfg.Name(), p.handleReport, nil, p.session.reports())
}

// Watch adds an address to the watch set. The first refreshed value is always
// published, even when duplicate suppression is on.
func (p *SignalPoller) Watch(address string) {
	p.mu.Lock()
	p.watched[address] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("watch signal", "address", address)
}

// Unwatch removes an address from the watch set and drops its cached value, so
// a later re-watch starts fresh.
func (p *SignalPoller) Unwatch(address string) {
	p.mu.Lock()
	delete(p.watched, address)
	delete(p.cache, address)
	p.mu.Unlock()

	p.logger.Debug("unwatch signal", "address", address)
}

// Watched returns the current watch set in sorted order.
func (p *SignalPoller) Watched() []string {
	p.mu.Lock()
	addrs := make([]string, 0, len(p.watched))
	for addr := range p.watched {
		addrs = append(addrs, addr)
	}
	p.mu.Unlock()

	sort.Strings(addrs)

	return addrs
}

// pollCycle refreshes every watched address once. Read failures are logged and
// skipped; the cycle continues with the remaining addresses so one dead point
// does not starve the rest.
func (p *SignalPoller) pollCycle() bool {
	for _, addr := range p.Watched() {
		sig, err := p.session.ReadSignal(addr)
		if err != nil {
			if errors.Is(err, ied.ErrSessionClosed) || errors.Is(err, ied.ErrNotConnected) {
				return false
			}

			p.logger.Warn("signal refresh failed", "address", addr, "error", err)

			continue
		}

		p.publishIfChanged(sig)
	}

	return true
}

// handleReport folds one unsolicited report into the update stream.
func (p *SignalPoller) handleReport(rpt ied.Report) bool {
	p.publishIfChanged(ied.Signal{
		Address:   rpt.Address,
		Value:     rpt.Value,
		Quality:   rpt.Quality,
		UpdatedAt: rpt.Timestamp,
	})

	return true
}

// publishIfChanged updates the cache and publishes the signal unless duplicate
// suppression filters it out.
func (p *SignalPoller) publishIfChanged(sig ied.Signal) {
	p.mu.Lock()
	prev, seen := p.cache[sig.Address]
	p.cache[sig.Address] = sig
	p.mu.Unlock()

	if !p.cfg.AlwaysPublish() && seen && sig.Equal(prev) {
		return
	}

	p.bus.Publish(ied.NewEvent(ied.SignalUpdatedEvent, p.cfg.Name(), ied.SignalUpdated{Signal: sig}))
}

// stop halts the refresh cycle and invalidates the cache. The watch set is kept,
// so a reconnected session resumes watching the same addresses.
func (p *SignalPoller) stop() {
	if err := p.taskMgr.StopInterval("poll-" + p.cfg.Name()); err != nil {
		p.logger.Debug("poll interval already stopped", "error", err)
	}

	p.mu.Lock()
	p.cache = make(map[string]ied.Signal)
	p.running = false
	p.mu.Unlock()
}
