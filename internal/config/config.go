// Package config holds the bridge configuration: where the device is, which
// feed to read, which auxiliary categories to keep, and the timing knobs of
// the ports. Files are TOML; unset keys keep their defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/embarktrucks/applanix-driver/internal/protocol/catalog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultIP = "192.168.53.100"

	PortControl  = 5601
	PortRealtime = 5602
	PortLogging  = 5603

	FeedRealtime = "realtime"
	FeedLogging  = "logging"
)

// DataPorts maps feed names to device ports. The realtime feed favours
// freshness, the logging feed completeness.
var DataPorts = map[string]int{
	FeedRealtime: PortRealtime,
	FeedLogging:  PortLogging,
}

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a Go duration string ("1s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Include IncludeConfig `toml:"include"`
	Replay  ReplayConfig  `toml:"replay"`
	Timing  TimingConfig  `toml:"timing"`
	Admin   AdminConfig   `toml:"admin"`
	Log     LogConfig     `toml:"log"`
}

type DeviceConfig struct {
	IP      string `toml:"ip"`
	Data    string `toml:"data"`
	Control bool   `toml:"control"`
}

// IncludeConfig gates the auxiliary group categories.
type IncludeConfig struct {
	Raw    bool `toml:"raw"`
	DMI    bool `toml:"dmi"`
	Status bool `toml:"status"`
	Events bool `toml:"events"`
}

// ReplayConfig replaces the live data socket with a capture file.
type ReplayConfig struct {
	PcapFile string   `toml:"pcap_file"`
	Port     uint16   `toml:"port"`
	Pace     Duration `toml:"pace"`
}

type TimingConfig struct {
	ReadTimeout       Duration `toml:"read_timeout"`
	ConnectTimeout    Duration `toml:"connect_timeout"`
	ConnectAttempts   int      `toml:"connect_attempts"`
	AckTimeout        Duration `toml:"ack_timeout"`
	KeepaliveInterval Duration `toml:"keepalive_interval"`
	MonitorInterval   Duration `toml:"monitor_interval"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			IP:      DefaultIP,
			Data:    FeedRealtime,
			Control: true,
		},
		Include: IncludeConfig{Raw: true, DMI: true, Status: true, Events: true},
		Timing: TimingConfig{
			ReadTimeout:     Duration{time.Second},
			ConnectTimeout:  Duration{5 * time.Second},
			ConnectAttempts: 3,
			AckTimeout:      Duration{2 * time.Second},
			MonitorInterval: Duration{30 * time.Second},
		},
		Admin: AdminConfig{Addr: "127.0.0.1:8602"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load decodes path over DefaultConfig and validates the result. Replaying
// a capture turns the control port off unless device.control is set.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}
	if cfg.Replay.PcapFile != "" && !meta.IsDefined("device", "control") {
		cfg.Device.Control = false
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	log.Debug().Str("path", path).Str("data", cfg.Device.Data).Bool("control", cfg.Device.Control).Msg("config.Load")
	return cfg, nil
}

// Normalize trims string fields and lower-cases enumerations.
func (c *Config) Normalize() {
	c.Device.IP = strings.TrimSpace(c.Device.IP)
	c.Device.Data = strings.ToLower(strings.TrimSpace(c.Device.Data))
	c.Replay.PcapFile = strings.TrimSpace(c.Replay.PcapFile)
	c.Admin.Addr = strings.TrimSpace(c.Admin.Addr)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	origins := c.Admin.CorsOrigins[:0]
	for _, o := range c.Admin.CorsOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.Admin.CorsOrigins = origins
}

func (c Config) Validate() error {
	if c.Replay.PcapFile == "" && c.Device.IP == "" {
		return fmt.Errorf("%w: device.ip is required", ErrInvalid)
	}
	if c.Device.IP != "" && net.ParseIP(c.Device.IP) == nil && strings.ContainsAny(c.Device.IP, ":/ ") {
		return fmt.Errorf("%w: device.ip %q is not a host", ErrInvalid, c.Device.IP)
	}
	if _, ok := DataPorts[c.Device.Data]; !ok {
		return fmt.Errorf("%w: device.data must be %q or %q, got %q", ErrInvalid, FeedRealtime, FeedLogging, c.Device.Data)
	}
	if c.Timing.ReadTimeout.Duration <= 0 {
		return fmt.Errorf("%w: timing.read_timeout must be positive", ErrInvalid)
	}
	if c.Timing.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("%w: timing.connect_timeout must be positive", ErrInvalid)
	}
	if c.Timing.ConnectAttempts < 1 {
		return fmt.Errorf("%w: timing.connect_attempts must be at least 1", ErrInvalid)
	}
	if c.Device.Control && c.Timing.AckTimeout.Duration <= 0 {
		return fmt.Errorf("%w: timing.ack_timeout must be positive when control is enabled", ErrInvalid)
	}
	for name, d := range map[string]Duration{
		"timing.keepalive_interval": c.Timing.KeepaliveInterval,
		"timing.monitor_interval":   c.Timing.MonitorInterval,
		"replay.pace":               c.Replay.Pace,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
		}
	}
	if c.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Addr); err != nil {
			return fmt.Errorf("%w: admin.addr: %v", ErrInvalid, err)
		}
	}
	return nil
}

func (c Config) DataAddr() string {
	return net.JoinHostPort(c.Device.IP, strconv.Itoa(DataPorts[c.Device.Data]))
}

func (c Config) ControlAddr() string {
	return net.JoinHostPort(c.Device.IP, strconv.Itoa(PortControl))
}

// Excluded lists the categories switched off by the include table.
func (c Config) Excluded() []string {
	var out []string
	for _, inc := range []struct {
		name string
		on   bool
	}{
		{catalog.CategoryRaw, c.Include.Raw},
		{catalog.CategoryDMI, c.Include.DMI},
		{catalog.CategoryStatus, c.Include.Status},
		{catalog.CategoryEvents, c.Include.Events},
	} {
		if !inc.on {
			out = append(out, inc.name)
		}
	}
	return out
}
