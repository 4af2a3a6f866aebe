package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Marshal renders cfg as TOML, e.g. to show the effective configuration.
func Marshal(cfg Config) ([]byte, error) {
	out, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config marshal: %w", err)
	}
	return out, nil
}

func Template() string {
	return bridgeTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(bridgeTemplate), 0o600)
}

const bridgeTemplate = `# applanixctl configuration

[device]
# The device has no DHCP client; factory default address below.
ip = "192.168.53.100"
# "realtime" (port 5602) or "logging" (port 5603).
data = "realtime"
# Connect the command port (5601).
control = true

[include]
raw = true
dmi = true
status = true
events = true

[replay]
# Read the data feed from a capture instead of the device.
pcap_file = ""
port = 0
pace = "0s"

[timing]
read_timeout = "1s"
connect_timeout = "5s"
connect_attempts = 3
ack_timeout = "2s"
keepalive_interval = "0s"
monitor_interval = "30s"

[admin]
addr = "127.0.0.1:8602"
cors_origins = []

[log]
level = "info"
json = false
`
