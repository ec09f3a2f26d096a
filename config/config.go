package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v2"
)

var (
	defaultConfig = Config{
		Server: defaultServer,
		Proxy:  defaultProxy,
		Cache:  defaultCache,
	}

	defaultServer = Server{
		ListenAddr: ":8080",
	}

	defaultProxy = Proxy{
		BlockList: []string{
			"www.blocked.com",
			"example-bad-site.com",
			"www.wikipedia.org",
		},
		UpstreamRecvTimeout:  Duration(2 * time.Second),
		ForwardReadinessWait: Duration(time.Second),
	}

	defaultCache = Cache{
		Mode:           cacheModeMemory,
		Capacity:       10,
		MaxPayloadSize: defaultMaxPayloadSize,
	}

	defaultMaxPayloadSize = ByteSize(1 << 50)
)

const (
	cacheModeMemory = "memory"
	cacheModeRedis  = "redis"
)

// Config describes the proxy configuration: listeners, blocklist
// and cache settings.
type Config struct {
	Server Server `yaml:"server,omitempty"`

	Proxy Proxy `yaml:"proxy,omitempty"`

	Cache Cache `yaml:"cache,omitempty"`

	// Whether to print debug logs
	LogDebug bool `yaml:"log_debug,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// String implements the Stringer interface
func (c *Config) String() string {
	b, err := yaml.Marshal(withoutSensitiveInfo(c))
	if err != nil {
		panic(err)
	}
	return string(b)
}

func withoutSensitiveInfo(config *Config) *Config {
	const pswPlaceHolder = "XXX"

	// nolint: forcetypeassert // no need to check type, it is specified by function.
	c := deepcopy.Copy(config).(*Config)
	if len(c.Cache.Redis.Password) > 0 {
		c.Cache.Redis.Password = pswPlaceHolder
	}
	return c
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// set c to the defaults and then overwrite it with the input.
	*c = defaultConfig
	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	if err := c.validate(); err != nil {
		return err
	}

	return checkOverflow(c.XXX, "config")
}

func (c *Config) validate() error {
	if len(c.Server.ListenAddr) == 0 {
		return fmt.Errorf("`server.listen_addr` cannot be empty")
	}
	return nil
}

// Server describes the proxy listener and the optional metrics listener.
type Server struct {
	// TCP address to listen to for incoming proxy connections
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// TCP address to serve prometheus metrics on
	// if omitted - metrics are not exposed
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// Maximum rate of accepted connections per second
	// if omitted or zero - no limit is applied
	MaxAcceptRate float64 `yaml:"max_accept_rate,omitempty"`

	// List of networks that access is allowed from
	// Each list item could be IP address or subnet mask
	// if omitted - no limits would be applied
	AllowedNetworks Networks `yaml:"allowed_networks,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (s *Server) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*s = defaultServer
	type plain Server
	if err := unmarshal((*plain)(s)); err != nil {
		return err
	}

	if s.MaxAcceptRate < 0 {
		return fmt.Errorf("`server.max_accept_rate` cannot be negative")
	}

	return checkOverflow(s.XXX, "server")
}

// Proxy describes the forwarding behavior: blocked hosts and
// upstream timeouts.
type Proxy struct {
	// List of host substrings the proxy refuses to serve
	BlockList []string `yaml:"blocklist,omitempty"`

	// Timeout for the dial and the request write to the upstream
	UpstreamRecvTimeout Duration `yaml:"upstream_recv_timeout,omitempty"`

	// Per-iteration wait for upstream response data; expiration
	// finishes the forwarding loop
	ForwardReadinessWait Duration `yaml:"forward_readiness_wait,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (p *Proxy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*p = defaultProxy
	type plain Proxy
	if err := unmarshal((*plain)(p)); err != nil {
		return err
	}

	if p.UpstreamRecvTimeout <= 0 {
		return fmt.Errorf("`proxy.upstream_recv_timeout` must be positive")
	}
	if p.ForwardReadinessWait <= 0 {
		return fmt.Errorf("`proxy.forward_readiness_wait` must be positive")
	}

	return checkOverflow(p.XXX, "proxy")
}

// Cache describes the response cache backend.
type Cache struct {
	// Mode of the cache - `memory` or `redis`
	Mode string `yaml:"mode,omitempty"`

	// Maximum number of entries held by the memory cache
	Capacity int `yaml:"capacity,omitempty"`

	// Maximum size of a single cached response
	// responses bigger than that are forwarded but not cached
	MaxPayloadSize ByteSize `yaml:"max_payload_size,omitempty"`

	// Redis connection settings; used when mode is `redis`
	Redis RedisCacheConfig `yaml:"redis,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Cache) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultCache
	type plain Cache
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	switch c.Mode {
	case cacheModeMemory:
		if c.Capacity <= 0 {
			return fmt.Errorf("`cache.capacity` must be positive")
		}
	case cacheModeRedis:
		if len(c.Redis.Addresses) == 0 {
			return fmt.Errorf("`cache.redis.addresses` cannot be empty for redis mode")
		}
	default:
		return fmt.Errorf("unknown `cache.mode` %q; must be %q or %q", c.Mode, cacheModeMemory, cacheModeRedis)
	}

	return checkOverflow(c.XXX, "cache")
}

// RedisCacheConfig describes the redis client settings.
type RedisCacheConfig struct {
	Addresses []string `yaml:"addresses,omitempty"`
	Username  string   `yaml:"username,omitempty"`
	Password  string   `yaml:"password,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (r *RedisCacheConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain RedisCacheConfig
	if err := unmarshal((*plain)(r)); err != nil {
		return err
	}
	return checkOverflow(r.XXX, "cache.redis")
}

// LoadFile loads and validates configuration from provided .yml file
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	content = findAndReplacePlaceholders(content)

	cfg := &Config{}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\${([a-zA-Z_][a-zA-Z0-9_]*)}`)

// findAndReplacePlaceholders finds all environment variables placeholders in the config.
// Each placeholder is a string like ${VAR_NAME}. They will be replaced with the value of the
// corresponding environment variable; placeholders whose variable is unset or empty are
// left as they are. It returns the new content with replaced placeholders.
func findAndReplacePlaceholders(content []byte) []byte {
	for _, match := range envVarRegex.FindAllSubmatch(content, -1) {
		envVar := os.Getenv(string(match[1]))
		if envVar != "" {
			content = bytes.ReplaceAll(content, match[0], []byte(envVar))
		}
	}

	return content
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	// nolint: forcetypeassert // deepcopy preserves the type.
	return deepcopy.Copy(&defaultConfig).(*Config)
}
