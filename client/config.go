package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/gridscout/go-ied/ied"
	"github.com/gridscout/go-ied/logger"
)

// DefaultOriginatorIdent is the orIdent attached to control commands when the
// caller does not provide one.
const DefaultOriginatorIdent = "gridscout"

// DeviceConfig represents the configuration parameters for one device connection.
// A config is immutable once a session exists for it.
type DeviceConfig struct {
	// name uniquely identifies the device within the registry.
	name string

	// host specifies the host of the remote device.
	host string

	// port specifies the TCP port number, typically 102 for MMS.
	port int

	// stationFile optionally points at the station configuration artifact the
	// device was loaded from. Parsing it is an external collaborator's concern.
	stationFile string

	// targetIED optionally names the IED inside a shared station file.
	targetIED string

	// extra carries free-form device parameters.
	extra map[string]string

	// connectTimeout bounds transport establishment. Defaults to 5 seconds.
	connectTimeout time.Duration

	// selectTimeout is the select-lease window: the time a selection remains
	// valid before it must be used or is invalidated. Defaults to 30 seconds.
	selectTimeout time.Duration

	// operateTimeout bounds the wait for the response to any queued request,
	// including the operate response. Defaults to 10 seconds.
	operateTimeout time.Duration

	// requestQueueSize defines the size of the session request queue. The queue
	// is bounded; requests beyond it are rejected, not blocked. Defaults to 16.
	requestQueueSize int

	// pollInterval is the signal refresh interval. Defaults to 1 second.
	pollInterval time.Duration

	// alwaysPublish makes the poller publish every refreshed value, not only
	// changed ones. Defaults to false.
	alwaysPublish bool

	// originator is the default command originator. Defaults to station control
	// with the DefaultOriginatorIdent identifier.
	originator ied.Originator

	// logger provides a logger instance for device-related events and errors.
	logger logger.Logger
}

// NewDeviceConfig creates a new device configuration with the given name, host,
// port number, and optional functional options.
//
// It initializes a DeviceConfig with default values and then applies the provided
// options to customize the configuration.
func NewDeviceConfig(name string, host string, port int, opts ...DeviceOption) (*DeviceConfig, error) {
	cfg := &DeviceConfig{
		extra:            make(map[string]string),
		connectTimeout:   5 * time.Second,
		selectTimeout:    30 * time.Second,
		operateTimeout:   10 * time.Second,
		requestQueueSize: 16,
		pollInterval:     1 * time.Second,
		originator:       ied.Originator{Cat: ied.OrCatStationControl, Ident: DefaultOriginatorIdent},
		logger:           logger.GetLogger(),
	}

	if err := withName(name).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Name returns the unique device name.
func (cfg *DeviceConfig) Name() string { return cfg.name }

// Host returns the remote host.
func (cfg *DeviceConfig) Host() string { return cfg.host }

// Port returns the remote TCP port.
func (cfg *DeviceConfig) Port() int { return cfg.port }

// StationFile returns the optional station configuration file path.
func (cfg *DeviceConfig) StationFile() string { return cfg.stationFile }

// TargetIED returns the optional target IED name.
func (cfg *DeviceConfig) TargetIED() string { return cfg.targetIED }

// Extra returns the free-form device parameter with the given key.
func (cfg *DeviceConfig) Extra(key string) (string, bool) {
	v, ok := cfg.extra[key]
	return v, ok
}

// ConnectTimeout returns the transport establishment timeout.
func (cfg *DeviceConfig) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// SelectTimeout returns the select-lease window.
func (cfg *DeviceConfig) SelectTimeout() time.Duration { return cfg.selectTimeout }

// OperateTimeout returns the request response timeout.
func (cfg *DeviceConfig) OperateTimeout() time.Duration { return cfg.operateTimeout }

// RequestQueueSize returns the bounded session queue size.
func (cfg *DeviceConfig) RequestQueueSize() int { return cfg.requestQueueSize }

// PollInterval returns the signal refresh interval.
func (cfg *DeviceConfig) PollInterval() time.Duration { return cfg.pollInterval }

// AlwaysPublish returns whether the poller publishes unchanged values too.
func (cfg *DeviceConfig) AlwaysPublish() bool { return cfg.alwaysPublish }

// Originator returns the default command originator.
func (cfg *DeviceConfig) Originator() ied.Originator { return cfg.originator }

// Logger returns the configured logger.
func (cfg *DeviceConfig) Logger() logger.Logger { return cfg.logger }

// DeviceOption represents a functional option for configuring a DeviceConfig.
type DeviceOption interface {
	apply(*DeviceConfig) error
}

type deviceOptFunc struct {
	name      string
	applyFunc func(*DeviceConfig) error
}

func (o *deviceOptFunc) apply(cfg *DeviceConfig) error { return o.applyFunc(cfg) }

func newDeviceOptFunc(name string, f func(*DeviceConfig) error) *deviceOptFunc {
	return &deviceOptFunc{name: name, applyFunc: f}
}

// withName sets and validates the device name.
func withName(name string) DeviceOption {
	return newDeviceOptFunc("withName", func(cfg *DeviceConfig) error {
		if cfg == nil {
			return ied.ErrConfigNil
		}

		if name == "" {
			return errors.New("device name is empty")
		}

		cfg.name = name

		return nil
	})
}

// withHost sets and validates the remote host.
func withHost(host string) DeviceOption {
	return newDeviceOptFunc("withHost", func(cfg *DeviceConfig) error {
		if cfg == nil {
			return ied.ErrConfigNil
		}

		if host == "" {
			return errors.New("host is empty")
		}

		cfg.host = host

		return nil
	})
}

// withPort sets and validates the remote TCP port.
func withPort(port int) DeviceOption {
	return newDeviceOptFunc("withPort", func(cfg *DeviceConfig) error {
		if cfg == nil {
			return ied.ErrConfigNil
		}

		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port: %d", port)
		}

		cfg.port = port

		return nil
	})
}

// WithConnectTimeout sets the transport establishment timeout.
// It should be between 1 and 120 seconds.
func WithConnectTimeout(timeout time.Duration) DeviceOption {
	return newDeviceOptFunc("WithConnectTimeout", func(cfg *DeviceConfig) error {
		if err := validateTimeout(timeout, 1*time.Second, 120*time.Second); err != nil {
			return fmt.Errorf("connect timeout: %w", err)
		}
		cfg.connectTimeout = timeout

		return nil
	})
}

// WithSelectTimeout sets the select-lease window.
// It should be between 1 and 600 seconds.
func WithSelectTimeout(timeout time.Duration) DeviceOption {
	return newDeviceOptFunc("WithSelectTimeout", func(cfg *DeviceConfig) error {
		if err := validateTimeout(timeout, 1*time.Second, 600*time.Second); err != nil {
			return fmt.Errorf("select timeout: %w", err)
		}
		cfg.selectTimeout = timeout

		return nil
	})
}

// WithOperateTimeout sets the request response timeout.
// It should be between 1 and 120 seconds.
func WithOperateTimeout(timeout time.Duration) DeviceOption {
	return newDeviceOptFunc("WithOperateTimeout", func(cfg *DeviceConfig) error {
		if err := validateTimeout(timeout, 1*time.Second, 120*time.Second); err != nil {
			return fmt.Errorf("operate timeout: %w", err)
		}
		cfg.operateTimeout = timeout

		return nil
	})
}

// WithRequestQueueSize sets the bounded session request queue size.
//
// This option controls the backpressure level for queued requests: the session
// keeps a single request in flight and rejects enqueues beyond the bound with
// ied.ErrQueueFull instead of blocking the caller.
func WithRequestQueueSize(size int) DeviceOption {
	return newDeviceOptFunc("WithRequestQueueSize", func(cfg *DeviceConfig) error {
		if size < 1 || size > 1024 {
			return fmt.Errorf("invalid request queue size: %d", size)
		}
		cfg.requestQueueSize = size

		return nil
	})
}

// WithPollInterval sets the signal refresh interval.
func WithPollInterval(interval time.Duration) DeviceOption {
	return newDeviceOptFunc("WithPollInterval", func(cfg *DeviceConfig) error {
		if interval < 10*time.Millisecond {
			return fmt.Errorf("invalid poll interval: %v", interval)
		}
		cfg.pollInterval = interval

		return nil
	})
}

// WithAlwaysPublish makes the poller publish every refreshed value, not only
// changed ones.
func WithAlwaysPublish(always bool) DeviceOption {
	return newDeviceOptFunc("WithAlwaysPublish", func(cfg *DeviceConfig) error {
		cfg.alwaysPublish = always
		return nil
	})
}

// WithOriginator sets the default command originator.
func WithOriginator(origin ied.Originator) DeviceOption {
	return newDeviceOptFunc("WithOriginator", func(cfg *DeviceConfig) error {
		if origin.Ident == "" {
			origin.Ident = DefaultOriginatorIdent
		}
		cfg.originator = origin

		return nil
	})
}

// WithStationFile sets the optional station configuration file path.
func WithStationFile(path string) DeviceOption {
	return newDeviceOptFunc("WithStationFile", func(cfg *DeviceConfig) error {
		cfg.stationFile = path
		return nil
	})
}

// WithTargetIED sets the target IED name inside a shared station file.
func WithTargetIED(name string) DeviceOption {
	return newDeviceOptFunc("WithTargetIED", func(cfg *DeviceConfig) error {
		cfg.targetIED = name
		return nil
	})
}

// WithExtra sets a free-form device parameter.
func WithExtra(key string, value string) DeviceOption {
	return newDeviceOptFunc("WithExtra", func(cfg *DeviceConfig) error {
		if key == "" {
			return errors.New("extra parameter key is empty")
		}
		cfg.extra[key] = value

		return nil
	})
}

// WithLogger sets the logger for device-related events and errors.
func WithLogger(l logger.Logger) DeviceOption {
	return newDeviceOptFunc("WithLogger", func(cfg *DeviceConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

func validateTimeout(timeout time.Duration, minVal time.Duration, maxVal time.Duration) error {
	if timeout < minVal || timeout > maxVal {
		return fmt.Errorf("timeout %v out of range [%v, %v]", timeout, minVal, maxVal)
	}

	return nil
}
