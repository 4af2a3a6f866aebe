package main

import (
	"strings"

	"github.com/embarktrucks/applanix-driver/internal/config"
	"github.com/spf13/pflag"
)

// bindFlags declares the config overrides. Defaults shown in help come from
// config.DefaultConfig; only flags set explicitly override the file.
func bindFlags(fs *pflag.FlagSet) {
	d := config.DefaultConfig()
	fs.String("ip", d.Device.IP, "device address")
	fs.String("data", d.Device.Data, "data feed: realtime or logging")
	fs.Bool("control", d.Device.Control, "connect the control port")
	fs.Bool("include-raw", d.Include.Raw, "decode raw groups")
	fs.Bool("include-dmi", d.Include.DMI, "decode DMI groups")
	fs.Bool("include-status", d.Include.Status, "decode status groups")
	fs.Bool("include-events", d.Include.Events, "decode event groups")
	fs.String("pcap", "", "replay the data feed from a capture file")
	fs.Uint16("pcap-port", 0, "only replay packets to or from this port")
	fs.Duration("read-timeout", d.Timing.ReadTimeout.Duration, "receive poll timeout")
	fs.Duration("keepalive", d.Timing.KeepaliveInterval.Duration, "controller alive interval, 0 disables")
	fs.String("admin-addr", d.Admin.Addr, "admin HTTP listen address, empty disables")
	fs.String("log-level", d.Log.Level, "trace, debug, info, warn, error")
	fs.Bool("log-json", d.Log.JSON, "log JSON lines")
}

// resolveConfig loads path (or the defaults) and applies changed flags.
// Replaying a capture turns control off unless --control is given.
func resolveConfig(fs *pflag.FlagSet, path string) (config.Config, error) {
	cfg := config.DefaultConfig()
	if strings.TrimSpace(path) != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	var err error
	set := func(name string, apply func() error) {
		if err != nil || !fs.Changed(name) {
			return
		}
		err = apply()
	}
	set("ip", func() (e error) { cfg.Device.IP, e = fs.GetString("ip"); return })
	set("data", func() (e error) { cfg.Device.Data, e = fs.GetString("data"); return })
	set("control", func() (e error) { cfg.Device.Control, e = fs.GetBool("control"); return })
	set("include-raw", func() (e error) { cfg.Include.Raw, e = fs.GetBool("include-raw"); return })
	set("include-dmi", func() (e error) { cfg.Include.DMI, e = fs.GetBool("include-dmi"); return })
	set("include-status", func() (e error) { cfg.Include.Status, e = fs.GetBool("include-status"); return })
	set("include-events", func() (e error) { cfg.Include.Events, e = fs.GetBool("include-events"); return })
	set("pcap", func() (e error) {
		cfg.Replay.PcapFile, e = fs.GetString("pcap")
		if !fs.Changed("control") {
			cfg.Device.Control = false
		}
		return
	})
	set("pcap-port", func() (e error) { cfg.Replay.Port, e = fs.GetUint16("pcap-port"); return })
	set("read-timeout", func() (e error) { cfg.Timing.ReadTimeout.Duration, e = fs.GetDuration("read-timeout"); return })
	set("keepalive", func() (e error) { cfg.Timing.KeepaliveInterval.Duration, e = fs.GetDuration("keepalive"); return })
	set("admin-addr", func() (e error) { cfg.Admin.Addr, e = fs.GetString("admin-addr"); return })
	set("log-level", func() (e error) { cfg.Log.Level, e = fs.GetString("log-level"); return })
	set("log-json", func() (e error) { cfg.Log.JSON, e = fs.GetBool("log-json"); return })
	if err != nil {
		return config.Config{}, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
