// Package config resolves the exporter options from command-line flags,
// environment variables and an optional TOML file.
//
// Every option has one name used for the flag (-poll_rate), the TOML key
// (poll_rate) and, uppercased, the environment variable (POLL_RATE).
// A flag wins over the environment, which wins over the file, which wins
// over the built-in default.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid wraps every rejected option value.
var ErrInvalid = errors.New("invalid configuration")

// MQTTConfig holds the optional MQTT mirror settings. An empty Broker
// disables the mirror.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QOS         byte
	Retained    bool
	TLSCACert   string
}

// Config is the resolved exporter configuration.
type Config struct {
	UPSName   string
	UPSHost   string
	UPSPort   uint16
	BindIP    net.IP
	BindPort  uint16
	PollRate  uint64 // seconds, at least 1
	LogLevel  slog.Level
	LogFormat string
	MQTT      MQTTConfig
}

// PollInterval returns the time between two polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollRate) * time.Second
}

// SocketTimeout bounds each NUT round trip: one second less than the poll
// interval, or half of it when the interval is a single second.
func (c *Config) SocketTimeout() time.Duration {
	interval := c.PollInterval()
	if interval > time.Second {
		return interval - time.Second
	}
	return interval / 2
}

// BindAddr returns the listen address of the metrics endpoint.
func (c *Config) BindAddr() string {
	return net.JoinHostPort(c.BindIP.String(), strconv.Itoa(int(c.BindPort)))
}

// NUTAddr returns host:port of the NUT server.
func (c *Config) NUTAddr() string {
	return net.JoinHostPort(c.UPSHost, strconv.Itoa(int(c.UPSPort)))
}

// maxPollRate is the largest poll_rate whose interval fits in a time.Duration.
const maxPollRate = uint64(math.MaxInt64 / int64(time.Second))

type option struct {
	name  string
	def   string
	usage string
	set   func(*Config, string) error
}

var options = []option{
	{"ups_name", "ups", "Name of the UPS to monitor", func(c *Config, v string) error {
		c.UPSName = v
		return nil
	}},
	{"ups_host", "127.0.0.1", "Hostname of the NUT server", func(c *Config, v string) error {
		c.UPSHost = v
		return nil
	}},
	{"ups_port", "3493", "Port of the NUT server", func(c *Config, v string) (err error) {
		c.UPSPort, err = parsePort(v)
		return err
	}},
	{"bind_ip", "0.0.0.0", "IP address on which metrics are served", func(c *Config, v string) error {
		ip := net.ParseIP(v)
		if ip == nil {
			return errors.New("not an IP address")
		}
		c.BindIP = ip
		return nil
	}},
	{"bind_port", "9120", "Port on which metrics are served", func(c *Config, v string) (err error) {
		c.BindPort, err = parsePort(v)
		return err
	}},
	{"poll_rate", "10", "Seconds between requests to the NUT server, at least 1", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		if n < 1 {
			return errors.New("must be at least 1")
		}
		if n > maxPollRate {
			return fmt.Errorf("must be at most %d", maxPollRate)
		}
		c.PollRate = n
		return nil
	}},
	{"log_level", "info", "Log level: debug, info, warn or error", func(c *Config, v string) error {
		return c.LogLevel.UnmarshalText([]byte(v))
	}},
	{"log_format", "text", "Log format: text or json", func(c *Config, v string) error {
		switch v {
		case "text", "json":
			c.LogFormat = v
			return nil
		}
		return errors.New("must be text or json")
	}},
	{"mqtt_broker", "", "MQTT broker URL; empty disables the MQTT mirror", func(c *Config, v string) error {
		c.MQTT.Broker = v
		return nil
	}},
	{"mqtt_client_id", "ups-exporter", "MQTT client ID", func(c *Config, v string) error {
		c.MQTT.ClientID = v
		return nil
	}},
	{"mqtt_username", "", "MQTT username", func(c *Config, v string) error {
		c.MQTT.Username = v
		return nil
	}},
	{"mqtt_password", "", "MQTT password", func(c *Config, v string) error {
		c.MQTT.Password = v
		return nil
	}},
	{"mqtt_topic_prefix", "ups", "MQTT topic prefix", func(c *Config, v string) error {
		c.MQTT.TopicPrefix = v
		return nil
	}},
	{"mqtt_qos", "1", "MQTT QoS level: 0, 1 or 2", func(c *Config, v string) error {
		q, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return err
		}
		if q > 2 {
			return errors.New("must be 0, 1 or 2")
		}
		c.MQTT.QOS = byte(q)
		return nil
	}},
	{"mqtt_retained", "true", "Publish MQTT messages as retained", func(c *Config, v string) (err error) {
		c.MQTT.Retained, err = strconv.ParseBool(v)
		return err
	}},
	{"mqtt_tls_ca_cert", "", "PEM file of an extra CA trusted for the MQTT broker", func(c *Config, v string) error {
		c.MQTT.TLSCACert = v
		return nil
	}},
}

func parsePort(v string) (uint16, error) {
	p, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(p), nil
}

// envName returns the environment variable consulted for an option.
func envName(option string) string {
	return strings.ToUpper(option)
}

// Load resolves the configuration from args (without the program name),
// getenv and the TOML file named by -config or CONFIG, if any.
// flag.ErrHelp is returned unchanged when -h was requested.
func Load(args []string, getenv func(string) string) (*Config, error) {
	fs := flag.NewFlagSet("ups-exporter", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to an optional TOML config file")
	flagValues := make(map[string]*string, len(options))
	for _, o := range options {
		flagValues[o.name] = fs.String(o.name, o.def, o.usage+" (env "+envName(o.name)+")")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	cfg := &Config{}
	for _, o := range options {
		if err := o.set(cfg, o.def); err != nil {
			return nil, fmt.Errorf("default %s=%q: %w", o.name, o.def, err)
		}
	}

	path := *configPath
	if !explicit["config"] {
		if v := getenv("CONFIG"); v != "" {
			path = v
		}
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	for _, o := range options {
		if explicit[o.name] {
			continue
		}
		if v := getenv(envName(o.name)); v != "" {
			if err := apply(cfg, o, v, "env "+envName(o.name)); err != nil {
				return nil, err
			}
		}
	}

	for _, o := range options {
		if explicit[o.name] {
			if err := apply(cfg, o, *flagValues[o.name], "flag -"+o.name); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

func apply(cfg *Config, o option, value, source string) error {
	if err := o.set(cfg, value); err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, source, value, err)
	}
	return nil
}

// applyFile decodes a flat TOML table whose keys are option names.
func applyFile(cfg *Config, path string) error {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("%w: parsing config %q: %v", ErrInvalid, path, err)
	}
	for key, value := range raw {
		o, ok := lookupOption(key)
		if !ok {
			return fmt.Errorf("%w: %s: unknown key %q", ErrInvalid, path, key)
		}
		if err := apply(cfg, o, fmt.Sprint(value), path+" "+key); err != nil {
			return err
		}
	}
	return nil
}

func lookupOption(name string) (option, bool) {
	for _, o := range options {
		if o.name == name {
			return o, true
		}
	}
	return option{}, false
}
