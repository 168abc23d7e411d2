// Package config loads the pollster configuration from an optional YAML file
// and LIBVIRT_POLLSTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/thongth1998/libvirt-pollster/pkg/pollster"
)

// Region is the region group of the configuration.
type Region struct {
	Name               string   `mapstructure:"name"`
	Location           string   `mapstructure:"location"`
	Latitude           float64  `mapstructure:"latitude"`
	Longitude          float64  `mapstructure:"longitude"`
	Netlist            []string `mapstructure:"netlist"`
	RAMAllocationRatio float64  `mapstructure:"ram-allocation-ratio"`
	CPUAllocationRatio float64  `mapstructure:"cpu-allocation-ratio"`
}

// Pollster returns the region as the region pollster describes it.
func (r Region) Pollster() pollster.Region {
	return pollster.Region{
		Name:               r.Name,
		Location:           r.Location,
		Latitude:           r.Latitude,
		Longitude:          r.Longitude,
		Netlist:            r.Netlist,
		RAMAllocationRatio: r.RAMAllocationRatio,
		CPUAllocationRatio: r.CPUAllocationRatio,
	}
}

// Config is the pollster configuration.
type Config struct {
	// Host and Nodename make up the resource id of the host meters.
	Host     string `mapstructure:"host"`
	Nodename string `mapstructure:"nodename"`
	// Pollsters lists the meter name prefixes to poll. Empty polls all.
	Pollsters []string `mapstructure:"pollsters"`
	Region    Region   `mapstructure:"region"`

	// ConfigPath is the file the configuration was read from, if any.
	ConfigPath string `mapstructure:"-"`
}

// Load reads the configuration from configPath, which may be empty or
// missing, with environment variables taking precedence.
func Load(configPath string) (Config, error) {
	var cfg Config

	hostname, err := os.Hostname()
	if err != nil {
		return cfg, fmt.Errorf("finding hostname: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("LIBVIRT_POLLSTER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetDefault("host", hostname)
	v.SetDefault("nodename", "")
	v.SetDefault("pollsters", []string{})
	v.SetDefault("region.name", "")
	v.SetDefault("region.location", "")
	v.SetDefault("region.latitude", 0.0)
	v.SetDefault("region.longitude", 0.0)
	v.SetDefault("region.netlist", []string{})
	v.SetDefault("region.ram-allocation-ratio", 0.0)
	v.SetDefault("region.cpu-allocation-ratio", 0.0)

	fileRead := false
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			fileRead = true
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if fileRead {
		cfg.ConfigPath = v.ConfigFileUsed()
	}
	if cfg.Host == "" {
		return cfg, errors.New("host must not be empty")
	}
	if cfg.Nodename == "" {
		cfg.Nodename = cfg.Host
	}
	return cfg, nil
}
