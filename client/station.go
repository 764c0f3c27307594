package client

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridscout/go-ied/ied"
)

// stationFile is the YAML shape of a station device list.
type stationFile struct {
	Devices []stationDevice `yaml:"devices"`
}

type stationDevice struct {
	Name           string            `yaml:"name"`
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	StationFile    string            `yaml:"station_file,omitempty"`
	TargetIED      string            `yaml:"target_ied,omitempty"`
	ConnectTimeout duration          `yaml:"connect_timeout,omitempty"`
	SelectTimeout  duration          `yaml:"select_timeout,omitempty"`
	OperateTimeout duration          `yaml:"operate_timeout,omitempty"`
	PollInterval   duration          `yaml:"poll_interval,omitempty"`
	OriginatorCat  *int              `yaml:"originator_cat,omitempty"`
	OriginatorID   string            `yaml:"originator_id,omitempty"`
	Extra          map[string]string `yaml:"extra,omitempty"`
}

// duration accepts Go duration strings like "10s" or "500ms" in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = duration(parsed)

	return nil
}

// LoadStationFile reads a YAML station device list and builds a DeviceConfig per
// entry. It applies the same validation as NewDeviceConfig; the first invalid
// entry aborts the load.
//
// Only the device list is read here. Parsing the station data model (SCL/SCD)
// into point descriptors is an external collaborator's concern.
func LoadStationFile(path string) ([]*DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read station file: %w", err)
	}

	var sf stationFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse station file: %w", err)
	}

	configs := make([]*DeviceConfig, 0, len(sf.Devices))
	for i, dev := range sf.Devices {
		opts := deviceOptions(dev)

		cfg, err := NewDeviceConfig(dev.Name, dev.Host, dev.Port, opts...)
		if err != nil {
			return nil, fmt.Errorf("station file entry %d (%q): %w", i, dev.Name, err)
		}

		configs = append(configs, cfg)
	}

	return configs, nil
}

func deviceOptions(dev stationDevice) []DeviceOption {
	var opts []DeviceOption

	if dev.StationFile != "" {
		opts = append(opts, WithStationFile(dev.StationFile))
	}
	if dev.TargetIED != "" {
		opts = append(opts, WithTargetIED(dev.TargetIED))
	}
	if dev.ConnectTimeout > 0 {
		opts = append(opts, WithConnectTimeout(time.Duration(dev.ConnectTimeout)))
	}
	if dev.SelectTimeout > 0 {
		opts = append(opts, WithSelectTimeout(time.Duration(dev.SelectTimeout)))
	}
	if dev.OperateTimeout > 0 {
		opts = append(opts, WithOperateTimeout(time.Duration(dev.OperateTimeout)))
	}
	if dev.PollInterval > 0 {
		opts = append(opts, WithPollInterval(time.Duration(dev.PollInterval)))
	}
	if dev.OriginatorCat != nil || dev.OriginatorID != "" {
		origin := ied.Originator{Cat: ied.OrCatStationControl, Ident: dev.OriginatorID}
		if dev.OriginatorCat != nil {
			origin.Cat = ied.OriginatorCat(*dev.OriginatorCat)
		}
		opts = append(opts, WithOriginator(origin))
	}
	for key, value := range dev.Extra {
		opts = append(opts, WithExtra(key, value))
	}

	return opts
}
