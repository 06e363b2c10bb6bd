package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name:    "defaults with target",
			envVars: map[string]string{"RDPMITM_TARGET_HOST": "10.0.0.5"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "0.0.0.0", cfg.Server.ListenHost)
				assert.Equal(t, 3389, cfg.Server.ListenPort)
				assert.Equal(t, 100, cfg.Server.MaxSessions)
				assert.Equal(t, "10.0.0.5:3389", cfg.Target.Addr())
				assert.Equal(t, 10*time.Second, cfg.Timeouts.Negotiation)
				assert.Equal(t, 5*time.Second, cfg.Timeouts.Close)
				assert.Equal(t, "memory", cfg.Catalog.Backend)
				assert.Equal(t, "info", cfg.Logging.Level)
				assert.True(t, cfg.Metrics.Enabled)
				assert.False(t, cfg.LiveStream.Enabled())
				assert.False(t, cfg.Credentials.Configured())
			},
		},
		{
			name: "custom environment variables",
			envVars: map[string]string{
				"RDPMITM_TARGET_HOST":         "rdp.internal",
				"RDPMITM_TARGET_PORT":         "13389",
				"RDPMITM_LISTEN_PORT":         "4489",
				"RDPMITM_LOG_LEVEL":           "debug",
				"RDPMITM_NEGOTIATION_TIMEOUT": "3s",
				"RDPMITM_BLOCKED_CHANNELS":    "cliprdr, rdpdr",
				"RDPMITM_USERNAME":            "admin",
				"RDPMITM_PASSWORD":            "secret",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "rdp.internal:13389", cfg.Target.Addr())
				assert.Equal(t, "0.0.0.0:4489", cfg.Server.ListenAddr())
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, 3*time.Second, cfg.Timeouts.Negotiation)
				assert.Equal(t, []string{"cliprdr", "rdpdr"}, cfg.Security.BlockedChannels)
				assert.True(t, cfg.Credentials.Configured())
			},
		},
		{
			name:    "missing target",
			envVars: map[string]string{},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			envVars: map[string]string{"RDPMITM_TARGET_HOST": "h", "RDPMITM_LOG_LEVEL": "trace"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			tt.check(t, cfg)
			assert.Same(t, cfg, GetGlobalConfig())
		})
	}
}

func TestLoadWithOverrides(t *testing.T) {
	t.Setenv("RDPMITM_LOG_LEVEL", "warn")

	cfg, err := LoadWithOverrides(LoadOptions{
		Target:           "192.0.2.10:3390",
		ListenPort:       13389,
		OutputDir:        "/tmp/rec",
		LiveHost:         "127.0.0.1",
		LivePort:         4000,
		StandardSecurity: true,
		NLA:              true,
		Username:         "admin",
		Password:         "secret",
		LogLevel:         "debug",
		RedisAddr:        "localhost:6379",
	})
	require.NoError(t, err)

	assert.Equal(t, "192.0.2.10", cfg.Target.Host)
	assert.Equal(t, 3390, cfg.Target.Port)
	assert.Equal(t, 13389, cfg.Server.ListenPort)
	assert.Equal(t, "/tmp/rec", cfg.Recording.OutputDir)
	assert.Equal(t, "127.0.0.1:4000", cfg.LiveStream.Addr())
	assert.True(t, cfg.Security.StandardSecurity)
	assert.True(t, cfg.Security.NLA)
	assert.Equal(t, "admin", cfg.Credentials.Username)
	assert.Equal(t, "debug", cfg.Logging.Level, "command line wins over environment")
	assert.Equal(t, "redis", cfg.Catalog.Backend)
	assert.Equal(t, "localhost:6379", cfg.Catalog.RedisAddr)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mitm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
target:
  host: rdp.example.com
  port: 3390
security:
  blocked_channels: [cliprdr]
timeouts:
  negotiation: 2s
live_stream:
  host: viewer
  transport: websocket
logging:
  level: error
`), 0o600))

	t.Setenv("RDPMITM_LOG_LEVEL", "info")

	cfg, err := LoadWithOverrides(LoadOptions{ConfigFile: path})
	require.NoError(t, err)

	assert.Equal(t, "rdp.example.com:3390", cfg.Target.Addr())
	assert.Equal(t, []string{"cliprdr"}, cfg.Security.BlockedChannels)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Negotiation)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Connect, "defaults survive a partial file")
	assert.Equal(t, "websocket", cfg.LiveStream.Transport)
	assert.Equal(t, 3000, cfg.LiveStream.Port)
	assert.Equal(t, "info", cfg.Logging.Level, "environment wins over the file")
}

func TestLoadConfigFile_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("target: [unclosed"), 0o600))

	_, err := LoadWithOverrides(LoadOptions{ConfigFile: bad})
	assert.Error(t, err)

	_, err = LoadWithOverrides(LoadOptions{ConfigFile: filepath.Join(dir, "missing.yaml")})
	assert.Error(t, err)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		input    string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"10.0.0.1", "10.0.0.1", 3389, false},
		{"10.0.0.1:3390", "10.0.0.1", 3390, false},
		{"rdp.example.com", "rdp.example.com", 3389, false},
		{"[::1]:3391", "::1", 3391, false},
		{"::1", "::1", 3389, false},
		{"host:0", "", 0, true},
		{"host:abc", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			host, port, err := ParseTarget(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Target.Host = "rdp"
		return cfg
	}

	keyFile := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(keyFile, []byte("key"), 0o600))

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"listen port zero", func(c *Config) { c.Server.ListenPort = 0 }, true},
		{"target port too large", func(c *Config) { c.Target.Port = 70000 }, true},
		{"max sessions zero", func(c *Config) { c.Server.MaxSessions = 0 }, true},
		{"key without certificate", func(c *Config) { c.Security.PrivateKeyFile = keyFile }, true},
		{"missing key file", func(c *Config) {
			c.Security.PrivateKeyFile = "/nonexistent/key.pem"
			c.Security.CertificateFile = keyFile
		}, true},
		{"bad tls version", func(c *Config) { c.Security.MinTLSVersion = "2.0" }, true},
		{"password without username", func(c *Config) { c.Credentials.Password = "x" }, true},
		{"bad live transport", func(c *Config) {
			c.LiveStream.Host = "viewer"
			c.LiveStream.Transport = "udp"
		}, true},
		{"live port ignored when disabled", func(c *Config) { c.LiveStream.Port = 0 }, false},
		{"redis without address", func(c *Config) { c.Catalog.Backend = "redis" }, true},
		{"unknown catalog", func(c *Config) { c.Catalog.Backend = "etcd" }, true},
		{"zero timeout", func(c *Config) { c.Timeouts.Close = 0 }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplitString(t *testing.T) {
	assert.Equal(t, []string{}, splitString("", ","))
	assert.Equal(t, []string{"a", "b"}, splitString(" a , ,b ", ","))
}
