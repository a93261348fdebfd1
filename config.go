package rtspkit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Interface kinds.
const (
	InterfaceEventDriven = "event_driven"
	InterfaceBlocking    = "blocking"
)

const (
	defaultTimeout              = 60
	defaultBufferSize           = 4096
	defaultMaxActiveConnections = 12
)

// ErrBadInterface invalid interface kind.
var ErrBadInterface = errors.New("interface must be event_driven or blocking")

// Config is the client configuration.
type Config struct {
	// "event_driven" (default) or "blocking".
	Interface string `yaml:"interface"`

	// per-call timeout and UDP retransmission budget, in seconds.
	Timeout int `yaml:"timeout"`

	// read chunk size in bytes.
	BufferSize int `yaml:"bufferSize"`

	// upper bound of the event loop's active set.
	MaxActiveConnections int `yaml:"maxActiveConnections"`

	// send queued requests back to back without waiting for responses.
	Pipelining bool `yaml:"pipelining"`

	UseErrorCallback   bool `yaml:"useErrorCallback"`
	UseWarningCallback bool `yaml:"useWarningCallback"`

	ErrorCallback   func(string) `yaml:"-"`
	WarningCallback func(string) `yaml:"-"`
}

func (c *Config) withDefaults() {
	if c.Interface == "" {
		c.Interface = InterfaceEventDriven
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxActiveConnections == 0 {
		c.MaxActiveConnections = defaultMaxActiveConnections
	}
}

func (c *Config) validate() error {
	switch c.Interface {
	case InterfaceEventDriven, InterfaceBlocking:
		return nil
	}
	return fmt.Errorf("%w (%q)", ErrBadInterface, c.Interface)
}

// normalizeOptionName returns the lookup form of an option name: lowercase,
// underscores removed, one leading dash removed.
func normalizeOptionName(name string) string {
	name = strings.TrimPrefix(name, "-")
	name = strings.ReplaceAll(name, "_", "")
	return strings.ToLower(name)
}

func toInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

func toBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case int:
		return t != 0, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	}
	return false, false
}

// NewConfig builds a configuration from an option map. Option names are
// matched irrespective of case, underscores and a leading dash; unknown
// options are ignored.
func NewConfig(options map[string]interface{}) (*Config, error) {
	var conf Config

	for name, value := range options {
		switch normalizeOptionName(name) {
		case "interface":
			if s, ok := value.(string); ok {
				conf.Interface = s
			}
		case "timeout":
			if n, ok := toInt(value); ok {
				conf.Timeout = n
			}
		case "buffersize":
			if n, ok := toInt(value); ok {
				conf.BufferSize = n
			}
		case "maxactiveconnections":
			if n, ok := toInt(value); ok {
				conf.MaxActiveConnections = n
			}
		case "pipelining":
			if b, ok := toBool(value); ok {
				conf.Pipelining = b
			}
		case "useerrorcallback":
			if b, ok := toBool(value); ok {
				conf.UseErrorCallback = b
			}
		case "usewarningcallback":
			if b, ok := toBool(value); ok {
				conf.UseWarningCallback = b
			}
		case "errorcallback":
			if cb, ok := value.(func(string)); ok {
				conf.ErrorCallback = cb
				conf.UseErrorCallback = true
			}
		case "warningcallback":
			if cb, ok := value.(func(string)); ok {
				conf.WarningCallback = cb
				conf.UseWarningCallback = true
			}
		}
	}

	conf.withDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// NewConfigYAML builds a configuration from a YAML document.
func NewConfigYAML(raw []byte) (*Config, error) {
	var conf Config

	if err := yaml.Unmarshal(raw, &conf); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	conf.withDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}
