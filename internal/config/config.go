// Package config resolves the proxy configuration from defaults, an optional
// YAML file, environment variables and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// globalConfig stores the configuration loaded with command-line overrides
// so the admin handler can report the effective settings.
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// DefaultRDPPort is used when a target is given without a port.
const DefaultRDPPort = 3389

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Target      TargetConfig      `json:"target" yaml:"target"`
	Security    SecurityConfig    `json:"security" yaml:"security"`
	Credentials CredentialsConfig `json:"-" yaml:"credentials"`
	Recording   RecordingConfig   `json:"recording" yaml:"recording"`
	LiveStream  LiveStreamConfig  `json:"liveStream" yaml:"live_stream"`
	Catalog     CatalogConfig     `json:"catalog" yaml:"catalog"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	Admin       AdminConfig       `json:"admin" yaml:"admin"`
	Timeouts    TimeoutsConfig    `json:"timeouts" yaml:"timeouts"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// LoadOptions holds command-line override options. Zero values leave the
// lower layers untouched.
type LoadOptions struct {
	ConfigFile       string
	Target           string
	ListenPort       int
	OutputDir        string
	LiveHost         string
	LivePort         int
	PrivateKey       string
	Certificate      string
	StandardSecurity bool
	NLA              bool
	Username         string
	Password         string
	LogLevel         string
	AdminListen      string
	MetricsListen    string
	RedisAddr        string
}

// ServerConfig holds the listener configuration
type ServerConfig struct {
	ListenHost  string `json:"listenHost" yaml:"listen_host" env:"RDPMITM_LISTEN_HOST" default:"0.0.0.0"`
	ListenPort  int    `json:"listenPort" yaml:"listen_port" env:"RDPMITM_LISTEN_PORT" default:"3389"`
	MaxSessions int    `json:"maxSessions" yaml:"max_sessions" env:"RDPMITM_MAX_SESSIONS" default:"100"`
}

// ListenAddr returns the host:port the listener binds.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.ListenHost, strconv.Itoa(s.ListenPort))
}

// TargetConfig is the real RDP server
type TargetConfig struct {
	Host string `json:"host" yaml:"host" env:"RDPMITM_TARGET_HOST" default:""`
	Port int    `json:"port" yaml:"port" env:"RDPMITM_TARGET_PORT" default:"3389"`
}

// Addr returns host:port.
func (t TargetConfig) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// SecurityConfig holds certificate material and protocol selection flags
type SecurityConfig struct {
	PrivateKeyFile   string   `json:"privateKeyFile" yaml:"private_key" env:"RDPMITM_PRIVATE_KEY" default:""`
	CertificateFile  string   `json:"certificateFile" yaml:"certificate" env:"RDPMITM_CERTIFICATE" default:""`
	StandardSecurity bool     `json:"standardSecurity" yaml:"standard_security" env:"RDPMITM_STANDARD_SECURITY" default:"false"`
	NLA              bool     `json:"nla" yaml:"nla" env:"RDPMITM_NLA" default:"false"`
	MinTLSVersion    string   `json:"minTLSVersion" yaml:"min_tls_version" env:"RDPMITM_MIN_TLS_VERSION" default:"1.0"`
	BlockedChannels  []string `json:"blockedChannels" yaml:"blocked_channels" env:"RDPMITM_BLOCKED_CHANNELS" default:""`
}

// CredentialsConfig is the optional substituted credential pair
type CredentialsConfig struct {
	Username string `yaml:"username" env:"RDPMITM_USERNAME" default:""`
	Password string `yaml:"password" env:"RDPMITM_PASSWORD" default:""`
	Domain   string `yaml:"domain" env:"RDPMITM_DOMAIN" default:""`
}

// Configured reports whether substitution is enabled.
func (c CredentialsConfig) Configured() bool {
	return c.Username != ""
}

// RecordingConfig controls the replay artifact
type RecordingConfig struct {
	OutputDir string `json:"outputDir" yaml:"output_dir" env:"RDPMITM_OUTPUT_DIR" default:""`
	Mandatory bool   `json:"mandatory" yaml:"mandatory" env:"RDPMITM_RECORDING_MANDATORY" default:"false"`
	Pcap      bool   `json:"pcap" yaml:"pcap" env:"RDPMITM_PCAP" default:"false"`
}

// LiveStreamConfig is the optional live viewer destination
type LiveStreamConfig struct {
	Host      string `json:"host" yaml:"host" env:"RDPMITM_LIVE_HOST" default:""`
	Port      int    `json:"port" yaml:"port" env:"RDPMITM_LIVE_PORT" default:"3000"`
	Transport string `json:"transport" yaml:"transport" env:"RDPMITM_LIVE_TRANSPORT" default:"tcp"`
	QueueSize int    `json:"queueSize" yaml:"queue_size" env:"RDPMITM_LIVE_QUEUE" default:"1024"`
}

// Enabled reports whether a destination is configured.
func (l LiveStreamConfig) Enabled() bool {
	return l.Host != ""
}

// Addr returns host:port.
func (l LiveStreamConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// CatalogConfig selects where session entries are published
type CatalogConfig struct {
	Backend       string        `json:"backend" yaml:"backend" env:"RDPMITM_CATALOG" default:"memory"`
	RedisAddr     string        `json:"redisAddr" yaml:"redis_addr" env:"RDPMITM_REDIS_ADDR" default:""`
	RedisPassword string        `json:"-" yaml:"redis_password" env:"RDPMITM_REDIS_PASSWORD" default:""`
	RedisDB       int           `json:"redisDB" yaml:"redis_db" env:"RDPMITM_REDIS_DB" default:"0"`
	TTL           time.Duration `json:"ttl" yaml:"ttl" env:"RDPMITM_CATALOG_TTL" default:"24h"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"RDPMITM_METRICS" default:"true"`
	Listen  string `json:"listen" yaml:"listen" env:"RDPMITM_METRICS_LISTEN" default:""`
}

// AdminConfig holds the admin HTTP server address; empty disables it
type AdminConfig struct {
	Listen string `json:"listen" yaml:"listen" env:"RDPMITM_ADMIN_LISTEN" default:""`
}

// TimeoutsConfig bounds negotiation and teardown
type TimeoutsConfig struct {
	Negotiation time.Duration `json:"negotiation" yaml:"negotiation" env:"RDPMITM_NEGOTIATION_TIMEOUT" default:"10s"`
	Connect     time.Duration `json:"connect" yaml:"connect" env:"RDPMITM_CONNECT_TIMEOUT" default:"10s"`
	Close       time.Duration `json:"close" yaml:"close" env:"RDPMITM_CLOSE_TIMEOUT" default:"5s"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `json:"level" yaml:"level" env:"RDPMITM_LOG_LEVEL" default:"info"`
	Format       string `json:"format" yaml:"format" env:"RDPMITM_LOG_FORMAT" default:"text"`
	EnableCaller bool   `json:"enableCaller" yaml:"enable_caller" env:"RDPMITM_LOG_CALLER" default:"false"`
	File         string `json:"file" yaml:"file" env:"RDPMITM_LOG_FILE" default:""`
	JSONFile     string `json:"jsonFile" yaml:"json_file" env:"RDPMITM_LOG_JSON_FILE" default:""`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server:     ServerConfig{ListenHost: "0.0.0.0", ListenPort: DefaultRDPPort, MaxSessions: 100},
		Target:     TargetConfig{Port: DefaultRDPPort},
		Security:   SecurityConfig{MinTLSVersion: "1.0"},
		LiveStream: LiveStreamConfig{Port: 3000, Transport: "tcp", QueueSize: 1024},
		Catalog:    CatalogConfig{Backend: "memory", TTL: 24 * time.Hour},
		Metrics:    MetricsConfig{Enabled: true},
		Timeouts:   TimeoutsConfig{Negotiation: 10 * time.Second, Connect: 10 * time.Second, Close: 5 * time.Second},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration with command-line overrides
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	config := Default()

	path := opts.ConfigFile
	if path == "" {
		path = os.Getenv("RDPMITM_CONFIG")
	}
	if path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()

	if err := config.applyOverrides(opts); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Store the configuration globally so other packages can access it
	configMutex.Lock()
	globalConfig = config
	configMutex.Unlock()

	return config, nil
}

// GetGlobalConfig returns the globally stored configuration
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

func (c *Config) applyEnv() {
	c.Server.ListenHost = getEnvWithDefault("RDPMITM_LISTEN_HOST", c.Server.ListenHost)
	c.Server.ListenPort = getIntWithDefault("RDPMITM_LISTEN_PORT", c.Server.ListenPort)
	c.Server.MaxSessions = getIntWithDefault("RDPMITM_MAX_SESSIONS", c.Server.MaxSessions)

	c.Target.Host = getEnvWithDefault("RDPMITM_TARGET_HOST", c.Target.Host)
	c.Target.Port = getIntWithDefault("RDPMITM_TARGET_PORT", c.Target.Port)

	c.Security.PrivateKeyFile = getEnvWithDefault("RDPMITM_PRIVATE_KEY", c.Security.PrivateKeyFile)
	c.Security.CertificateFile = getEnvWithDefault("RDPMITM_CERTIFICATE", c.Security.CertificateFile)
	c.Security.StandardSecurity = getBoolWithDefault("RDPMITM_STANDARD_SECURITY", c.Security.StandardSecurity)
	c.Security.NLA = getBoolWithDefault("RDPMITM_NLA", c.Security.NLA)
	c.Security.MinTLSVersion = getEnvWithDefault("RDPMITM_MIN_TLS_VERSION", c.Security.MinTLSVersion)
	c.Security.BlockedChannels = getStringSliceWithDefault("RDPMITM_BLOCKED_CHANNELS", c.Security.BlockedChannels)

	c.Credentials.Username = getEnvWithDefault("RDPMITM_USERNAME", c.Credentials.Username)
	c.Credentials.Password = getEnvWithDefault("RDPMITM_PASSWORD", c.Credentials.Password)
	c.Credentials.Domain = getEnvWithDefault("RDPMITM_DOMAIN", c.Credentials.Domain)

	c.Recording.OutputDir = getEnvWithDefault("RDPMITM_OUTPUT_DIR", c.Recording.OutputDir)
	c.Recording.Mandatory = getBoolWithDefault("RDPMITM_RECORDING_MANDATORY", c.Recording.Mandatory)
	c.Recording.Pcap = getBoolWithDefault("RDPMITM_PCAP", c.Recording.Pcap)

	c.LiveStream.Host = getEnvWithDefault("RDPMITM_LIVE_HOST", c.LiveStream.Host)
	c.LiveStream.Port = getIntWithDefault("RDPMITM_LIVE_PORT", c.LiveStream.Port)
	c.LiveStream.Transport = getEnvWithDefault("RDPMITM_LIVE_TRANSPORT", c.LiveStream.Transport)
	c.LiveStream.QueueSize = getIntWithDefault("RDPMITM_LIVE_QUEUE", c.LiveStream.QueueSize)

	c.Catalog.Backend = getEnvWithDefault("RDPMITM_CATALOG", c.Catalog.Backend)
	c.Catalog.RedisAddr = getEnvWithDefault("RDPMITM_REDIS_ADDR", c.Catalog.RedisAddr)
	c.Catalog.RedisPassword = getEnvWithDefault("RDPMITM_REDIS_PASSWORD", c.Catalog.RedisPassword)
	c.Catalog.RedisDB = getIntWithDefault("RDPMITM_REDIS_DB", c.Catalog.RedisDB)
	c.Catalog.TTL = getDurationWithDefault("RDPMITM_CATALOG_TTL", c.Catalog.TTL)

	c.Metrics.Enabled = getBoolWithDefault("RDPMITM_METRICS", c.Metrics.Enabled)
	c.Metrics.Listen = getEnvWithDefault("RDPMITM_METRICS_LISTEN", c.Metrics.Listen)
	c.Admin.Listen = getEnvWithDefault("RDPMITM_ADMIN_LISTEN", c.Admin.Listen)

	c.Timeouts.Negotiation = getDurationWithDefault("RDPMITM_NEGOTIATION_TIMEOUT", c.Timeouts.Negotiation)
	c.Timeouts.Connect = getDurationWithDefault("RDPMITM_CONNECT_TIMEOUT", c.Timeouts.Connect)
	c.Timeouts.Close = getDurationWithDefault("RDPMITM_CLOSE_TIMEOUT", c.Timeouts.Close)

	c.Logging.Level = getEnvWithDefault("RDPMITM_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvWithDefault("RDPMITM_LOG_FORMAT", c.Logging.Format)
	c.Logging.EnableCaller = getBoolWithDefault("RDPMITM_LOG_CALLER", c.Logging.EnableCaller)
	c.Logging.File = getEnvWithDefault("RDPMITM_LOG_FILE", c.Logging.File)
	c.Logging.JSONFile = getEnvWithDefault("RDPMITM_LOG_JSON_FILE", c.Logging.JSONFile)
}

func (c *Config) applyOverrides(opts LoadOptions) error {
	if opts.Target != "" {
		host, port, err := ParseTarget(opts.Target)
		if err != nil {
			return err
		}
		c.Target.Host, c.Target.Port = host, port
	}

	if opts.ListenPort != 0 {
		c.Server.ListenPort = opts.ListenPort
	}
	if opts.LivePort != 0 {
		c.LiveStream.Port = opts.LivePort
	}

	c.Recording.OutputDir = getOverride(opts.OutputDir, c.Recording.OutputDir)
	c.LiveStream.Host = getOverride(opts.LiveHost, c.LiveStream.Host)
	c.Security.PrivateKeyFile = getOverride(opts.PrivateKey, c.Security.PrivateKeyFile)
	c.Security.CertificateFile = getOverride(opts.Certificate, c.Security.CertificateFile)
	c.Credentials.Username = getOverride(opts.Username, c.Credentials.Username)
	c.Credentials.Password = getOverride(opts.Password, c.Credentials.Password)
	c.Logging.Level = getOverride(opts.LogLevel, c.Logging.Level)
	c.Admin.Listen = getOverride(opts.AdminListen, c.Admin.Listen)
	c.Metrics.Listen = getOverride(opts.MetricsListen, c.Metrics.Listen)

	if opts.RedisAddr != "" {
		c.Catalog.Backend = "redis"
		c.Catalog.RedisAddr = opts.RedisAddr
	}

	if opts.StandardSecurity {
		c.Security.StandardSecurity = true
	}
	if opts.NLA {
		c.Security.NLA = true
	}

	return nil
}

// ParseTarget splits "host[:port]", defaulting the port to 3389.
func ParseTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// no port, or a bare IPv6 address
		return strings.Trim(target, "[]"), DefaultRDPPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid target port: %s", portStr)
	}

	return host, port, nil
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
	validTLS        = map[string]bool{"1.0": true, "1.1": true, "1.2": true, "1.3": true}
)

// Validate validates the configuration
func (c *Config) Validate() error {
	if !validPort(c.Server.ListenPort) {
		return fmt.Errorf("invalid listen port: %d", c.Server.ListenPort)
	}

	if c.Server.MaxSessions <= 0 {
		return errors.New("max sessions must be positive")
	}

	if c.Target.Host == "" {
		return errors.New("target host cannot be empty")
	}

	if !validPort(c.Target.Port) {
		return fmt.Errorf("invalid target port: %d", c.Target.Port)
	}

	if (c.Security.PrivateKeyFile == "") != (c.Security.CertificateFile == "") {
		return errors.New("private key and certificate must be given together")
	}

	for _, path := range []string{c.Security.PrivateKeyFile, c.Security.CertificateFile} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
	}

	if !validTLS[c.Security.MinTLSVersion] {
		return fmt.Errorf("invalid minimum TLS version: %s", c.Security.MinTLSVersion)
	}

	if c.Credentials.Password != "" && c.Credentials.Username == "" {
		return errors.New("password given without username")
	}

	if c.LiveStream.Enabled() {
		if !validPort(c.LiveStream.Port) {
			return fmt.Errorf("invalid live stream port: %d", c.LiveStream.Port)
		}
		if c.LiveStream.Transport != "tcp" && c.LiveStream.Transport != "websocket" {
			return fmt.Errorf("invalid live stream transport: %s", c.LiveStream.Transport)
		}
		if c.LiveStream.QueueSize <= 0 {
			return errors.New("live stream queue size must be positive")
		}
	}

	switch c.Catalog.Backend {
	case "memory":
	case "redis":
		if c.Catalog.RedisAddr == "" {
			return errors.New("redis catalog requires an address")
		}
	default:
		return fmt.Errorf("invalid catalog backend: %s", c.Catalog.Backend)
	}

	if c.Timeouts.Negotiation <= 0 || c.Timeouts.Connect <= 0 || c.Timeouts.Close <= 0 {
		return errors.New("timeouts must be positive")
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

// Helper functions for environment variable parsing
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceWithDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return splitString(value, ",")
	}
	return defaultValue
}

// getOverride returns the command-line value when set.
func getOverride(override, current string) string {
	if override != "" {
		return override
	}
	return current
}

func splitString(s, sep string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
