package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		DataDir        string
		MaxConcurrent  int
		StatusInterval time.Duration
		Retries        int
		RetryBackoff   time.Duration
		// RateLimit caps HTTP, FTP and HLS transfers in bytes per second.
		RateLimit  int
		FTPTimeout time.Duration
	}
	Torrent struct {
		Port        int
		MaxPeers    int
		Pipeline    int
		KeepAlive   time.Duration
		IdleTimeout time.Duration
		UTP         bool
		Strategy    string
		RateLimit   int
		GracePeriod time.Duration
		Fast        bool
	}
	Tracker struct {
		Timeout  time.Duration
		Extra    []string
		Tolerant bool
		// Relay, when set, batches announces through a multi-announce relay.
		Relay       string
		BatchWindow time.Duration
		// RelayToken is sent as a bearer token to a relay that requires auth.
		RelayToken string
	}
	Storage struct {
		Bucket        string
		KeyPrefix     string
		Region        string
		Endpoint      string
		PresignExpiry time.Duration
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret        string
		RegisterPassword string
		TokenTTLMinutes  int
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("FETCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/fetchd.db")

	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.maxconcurrent", 3)
	v.SetDefault("download.statusinterval", 2*time.Second)
	v.SetDefault("download.retries", 3)
	v.SetDefault("download.retrybackoff", 5*time.Second)
	v.SetDefault("download.ratelimit", 0)
	v.SetDefault("download.ftptimeout", 30*time.Second)

	v.SetDefault("torrent.port", 6881)
	v.SetDefault("torrent.maxpeers", 30)
	v.SetDefault("torrent.pipeline", 5)
	v.SetDefault("torrent.keepalive", 2*time.Minute)
	v.SetDefault("torrent.idletimeout", 3*time.Minute)
	v.SetDefault("torrent.utp", false)
	v.SetDefault("torrent.strategy", "sequential")
	v.SetDefault("torrent.ratelimit", 0)
	v.SetDefault("torrent.graceperiod", 5*time.Minute)
	v.SetDefault("torrent.fast", true)

	v.SetDefault("tracker.timeout", 15*time.Second)
	v.SetDefault("tracker.extra", []string{})
	v.SetDefault("tracker.tolerant", true)
	v.SetDefault("tracker.relay", "")
	v.SetDefault("tracker.batchwindow", 200*time.Millisecond)
	v.SetDefault("tracker.relaytoken", "")

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "fetchd-tasks")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.presignexpiry", 15*time.Minute)
	v.SetDefault("aws.profile", "")

	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.registerpassword", "")
	v.SetDefault("auth.tokenttlminutes", 24*60)

	v.SetDefault("log.level", "info")
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Download.MaxConcurrent <= 0 {
		return fmt.Errorf("download.maxconcurrent must be positive, got %d", c.Download.MaxConcurrent)
	}
	if c.Torrent.Port < 0 || c.Torrent.Port > 65535 {
		return fmt.Errorf("torrent.port out of range: %d", c.Torrent.Port)
	}
	switch c.Torrent.Strategy {
	case "sequential", "rarest", "rarest-first":
	default:
		return fmt.Errorf("torrent.strategy must be sequential or rarest, got %q", c.Torrent.Strategy)
	}
	if c.Auth.JWTSecret != "" && strings.TrimSpace(c.Auth.RegisterPassword) == "" {
		return fmt.Errorf("auth.registerpassword is required when auth.jwtsecret is set")
	}
	return nil
}

// AuthEnabled reports whether API routes require a bearer token.
func (c Config) AuthEnabled() bool {
	return strings.TrimSpace(c.Auth.JWTSecret) != ""
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
