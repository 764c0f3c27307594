package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridscout/go-ied/ied"
	"github.com/gridscout/go-ied/logger"
)

func TestNewDeviceConfig(t *testing.T) {
	require := require.New(t)

	t.Run("Valid Configuration", func(t *testing.T) {
		cfg, err := NewDeviceConfig("bay1", "192.168.1.10", 102,
			WithConnectTimeout(10*time.Second),
			WithSelectTimeout(60*time.Second),
			WithOperateTimeout(15*time.Second),
			WithRequestQueueSize(32),
			WithPollInterval(500*time.Millisecond),
			WithAlwaysPublish(true),
			WithStationFile("station.scd"),
			WithTargetIED("IED1"),
			WithExtra("ap_title", "1.1.999.1"),
		)
		require.NoError(err)
		require.Equal("bay1", cfg.Name())
		require.Equal("192.168.1.10", cfg.Host())
		require.Equal(102, cfg.Port())
		require.Equal(10*time.Second, cfg.ConnectTimeout())
		require.Equal(60*time.Second, cfg.SelectTimeout())
		require.Equal(15*time.Second, cfg.OperateTimeout())
		require.Equal(32, cfg.RequestQueueSize())
		require.Equal(500*time.Millisecond, cfg.PollInterval())
		require.True(cfg.AlwaysPublish())
		require.Equal("station.scd", cfg.StationFile())
		require.Equal("IED1", cfg.TargetIED())

		ap, ok := cfg.Extra("ap_title")
		require.True(ok)
		require.Equal("1.1.999.1", ap)

		_, ok = cfg.Extra("missing")
		require.False(ok)
	})

	t.Run("Defaults", func(t *testing.T) {
		cfg, err := NewDeviceConfig("bay1", "10.0.0.1", 102)
		require.NoError(err)
		require.Equal(5*time.Second, cfg.ConnectTimeout())
		require.Equal(30*time.Second, cfg.SelectTimeout())
		require.Equal(10*time.Second, cfg.OperateTimeout())
		require.Equal(16, cfg.RequestQueueSize())
		require.Equal(1*time.Second, cfg.PollInterval())
		require.False(cfg.AlwaysPublish())
		require.Equal(ied.OrCatStationControl, cfg.Originator().Cat)
		require.Equal(DefaultOriginatorIdent, cfg.Originator().Ident)
		require.NotNil(cfg.Logger())
	})

	t.Run("Empty name", func(t *testing.T) {
		_, err := NewDeviceConfig("", "10.0.0.1", 102)
		require.Error(err)
		require.EqualError(err, "device name is empty")
	})

	t.Run("Empty host", func(t *testing.T) {
		_, err := NewDeviceConfig("bay1", "", 102)
		require.Error(err)
		require.EqualError(err, "host is empty")
	})

	t.Run("Invalid port", func(t *testing.T) {
		_, err := NewDeviceConfig("bay1", "10.0.0.1", 0)
		require.Error(err)

		_, err = NewDeviceConfig("bay1", "10.0.0.1", 65536)
		require.Error(err)
	})

	t.Run("Invalid connect timeout", func(t *testing.T) {
		_, err := NewDeviceConfig("bay1", "10.0.0.1", 102, WithConnectTimeout(500*time.Millisecond))
		require.Error(err)

		_, err = NewDeviceConfig("bay1", "10.0.0.1", 102, WithConnectTimeout(121*time.Second))
		require.Error(err)
	})

	t.Run("Invalid select timeout", func(t *testing.T) {
		_, err := NewDeviceConfig("bay1", "10.0.0.1", 102, WithSelectTimeout(0))
		require.Error(err)

		_, err = NewDeviceConfig("bay1", "10.0.0.1", 102, WithSelectTimeout(601*time.Second))
		require.Error(err)
	})

	t.Run("Invalid operate timeout", func(t *testing.T) {
		_, err := NewDeviceConfig("bay1", "10.0.0.1", 102, WithOperateTimeout(0))
		require.Error(err)
	})

	t.Run("Invalid request queue size", func(t *testing.T) {
		_, err := NewDeviceConfig("bay1", "10.0.0.1", 102, WithRequestQueueSize(0))
		require.Error(err)

		_, err = NewDeviceConfig("bay1", "10.0.0.1", 102, WithRequestQueueSize(2048))
		require.Error(err)
	})

	t.Run("Invalid poll interval", func(t *testing.T) {
		_, err := NewDeviceConfig("bay1", "10.0.0.1", 102, WithPollInterval(time.Millisecond))
		require.Error(err)
	})

	t.Run("Originator defaults", func(t *testing.T) {
		cfg, err := NewDeviceConfig("bay1", "10.0.0.1", 102,
			WithOriginator(ied.Originator{Cat: ied.OrCatRemoteControl}))
		require.NoError(err)
		require.Equal(ied.OrCatRemoteControl, cfg.Originator().Cat)
		// empty ident falls back to the default
		require.Equal(DefaultOriginatorIdent, cfg.Originator().Ident)
	})

	t.Run("Invalid extra key", func(t *testing.T) {
		_, err := NewDeviceConfig("bay1", "10.0.0.1", 102, WithExtra("", "x"))
		require.Error(err)
	})

	t.Run("Nil logger rejected", func(t *testing.T) {
		_, err := NewDeviceConfig("bay1", "10.0.0.1", 102, WithLogger(nil))
		require.Error(err)
	})

	t.Run("Custom logger", func(t *testing.T) {
		l := logger.NewSlog(logger.DebugLevel, false)
		cfg, err := NewDeviceConfig("bay1", "10.0.0.1", 102, WithLogger(l))
		require.NoError(err)
		require.Equal(l, cfg.Logger())
	})

	t.Run("Option on nil config", func(t *testing.T) {
		require.ErrorIs(withName("x").apply(nil), ied.ErrConfigNil)
	})
}
