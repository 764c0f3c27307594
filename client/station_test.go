package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridscout/go-ied/ied"
)

func writeStationFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadStationFile(t *testing.T) {
	require := require.New(t)

	t.Run("Valid station file", func(t *testing.T) {
		path := writeStationFile(t, `
devices:
  - name: bay1
    host: 192.168.1.10
    port: 102
    station_file: substation.scd
    target_ied: IED1
    connect_timeout: 10s
    select_timeout: 60s
    operate_timeout: 15s
    poll_interval: 500ms
    originator_cat: 3
    originator_id: scada-main
    extra:
      ap_title: 1.1.999.1
  - name: bay2
    host: 192.168.1.11
    port: 102
`)

		configs, err := LoadStationFile(path)
		require.NoError(err)
		require.Len(configs, 2)

		bay1 := configs[0]
		require.Equal("bay1", bay1.Name())
		require.Equal("192.168.1.10", bay1.Host())
		require.Equal(102, bay1.Port())
		require.Equal("substation.scd", bay1.StationFile())
		require.Equal("IED1", bay1.TargetIED())
		require.Equal(10*time.Second, bay1.ConnectTimeout())
		require.Equal(60*time.Second, bay1.SelectTimeout())
		require.Equal(15*time.Second, bay1.OperateTimeout())
		require.Equal(500*time.Millisecond, bay1.PollInterval())
		require.Equal(ied.OrCatRemoteControl, bay1.Originator().Cat)
		require.Equal("scada-main", bay1.Originator().Ident)

		ap, ok := bay1.Extra("ap_title")
		require.True(ok)
		require.Equal("1.1.999.1", ap)

		// unspecified fields keep their defaults
		bay2 := configs[1]
		require.Equal(5*time.Second, bay2.ConnectTimeout())
		require.Equal(ied.OrCatStationControl, bay2.Originator().Cat)
		require.Equal(DefaultOriginatorIdent, bay2.Originator().Ident)
	})

	t.Run("Originator category without ident", func(t *testing.T) {
		path := writeStationFile(t, `
devices:
  - name: bay1
    host: 10.0.0.1
    port: 102
    originator_cat: 7
`)

		configs, err := LoadStationFile(path)
		require.NoError(err)
		require.Equal(ied.OrCatMaintenance, configs[0].Originator().Cat)
		require.Equal(DefaultOriginatorIdent, configs[0].Originator().Ident)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := LoadStationFile(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(err)
	})

	t.Run("Malformed YAML", func(t *testing.T) {
		path := writeStationFile(t, "devices: [not: valid: yaml")
		_, err := LoadStationFile(path)
		require.Error(err)
	})

	t.Run("Invalid entry aborts with index and name", func(t *testing.T) {
		path := writeStationFile(t, `
devices:
  - name: bay1
    host: 10.0.0.1
    port: 102
  - name: bad
    host: 10.0.0.2
    port: 0
`)

		_, err := LoadStationFile(path)
		require.Error(err)
		require.Contains(err.Error(), "entry 1")
		require.Contains(err.Error(), "bad")
	})

	t.Run("Empty device list", func(t *testing.T) {
		path := writeStationFile(t, "devices: []")
		configs, err := LoadStationFile(path)
		require.NoError(err)
		require.Empty(configs)
	})
}
