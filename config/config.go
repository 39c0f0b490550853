// Package config loads and generates the shieldns configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// Config type
type Config struct {
	Version string

	// Server
	Bind    string
	BindDOH string

	// Management API address, left blank for disabled
	API string

	// Logging
	LogLevel  string
	AccessLog string

	// Upstream resolution
	UpstreamServers []string
	Timeout         Duration

	// Cache
	CacheSize int
	MinTTL    uint32
	MaxTTL    uint32
	Expire    uint32

	// Query based ratelimit per second on cached answers, 0 for disabled
	RateLimit int

	// Client admission control
	ClientRateLimit int
	RateLimitWindow Duration
	AccessList      []string

	// Filtering
	FilterListDir string
	Blocklist     []string
	Whitelist     []string
	Nullroute     string
	Nullroutev6   string

	// Risk scoring
	RiskCacheSize int
	RiskWorkers   int
	RiskQueueSize int

	// Threat intelligence
	ThreatFeeds []string
	FeedRefresh Duration

	// Query log
	QueryLogSize int

	sVersion string
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration wraps time.Duration for TOML text values like "2s".
type Duration time.Duration

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	*d = Duration(v)
	return err
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the DNS server
bind = ":53"

# Address to bind to for the DNS-over-HTTPS server, left blank for disabled
# binddoh = ":8053"

# Address to bind to for the management API server, left blank for disabled
api = "127.0.0.1:8080"

# What kind of information should be logged, log verbosity level [debug,info,warn,error]
loglevel = "info"

# The location of the query log file, left blank for disabled. Common Log Format is used.
# accesslog = ""

# Upstream resolver addresses with port, tried in order on timeout or failure
upstreamservers = [
"1.1.1.1:53",
"8.8.8.8:53",
"9.9.9.9:53"
]

# Network timeout for each upstream attempt
timeout = "2s"

# Cache size (total records in cache)
cachesize = 256000

# Cached answer TTL bounds in seconds, upstream TTLs are clamped into this range
minttl = 5
maxttl = 86400

# Negative cache TTL in seconds
expire = 600

# Query based ratelimit per second on cached answers, 0 for disabled
ratelimit = 0

# Client ip address based ratelimit per window, 0 for disabled
clientratelimit = 100

# Client ratelimit window size
ratelimitwindow = "60s"

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Directory of category filter lists. Every file is read as one category,
# one domain or *.wildcard per line, # comments allowed.
filterlistdir = "filters"

# Manual blocklist entries, category "custom"
blocklist = []

# Manual whitelist entries
whitelist = []

# IPv4 address returned for blocked queries
nullroute = "0.0.0.0"

# IPv6 address returned for blocked queries
nullroutev6 = "::0"

# Risk engine verdict cache size
riskcachesize = 10000

# Risk engine background scoring workers and queue bound
riskworkers = 2
riskqueuesize = 1024

# Threat intelligence feed files or urls
threatfeeds = []

# Threat feed refresh interval
feedrefresh = "1h"

# Query log ring buffer size
querylogsize = 4096
`

// Load loads the given config file, generating a default one if missing
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	if len(config.UpstreamServers) == 0 {
		config.UpstreamServers = []string{"1.1.1.1:53", "8.8.8.8:53", "9.9.9.9:53"}
	}

	if config.Timeout == 0 {
		config.Timeout = Duration(2 * time.Second)
	}

	if config.RateLimitWindow == 0 {
		config.RateLimitWindow = Duration(time.Minute)
	}

	if config.CacheSize < 1 {
		config.CacheSize = 1024
	}

	if config.MaxTTL == 0 {
		config.MaxTTL = 86400
	}

	if config.Expire == 0 {
		config.Expire = 600
	}

	if config.RiskCacheSize < 1 {
		config.RiskCacheSize = 10000
	}

	if config.RiskWorkers < 1 {
		config.RiskWorkers = 2
	}

	if config.RiskQueueSize < 1 {
		config.RiskQueueSize = 1024
	}

	if config.QueryLogSize < 1 {
		config.QueryLogSize = 4096
	}

	if config.FeedRefresh == 0 {
		config.FeedRefresh = Duration(time.Hour)
	}

	return config, nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
