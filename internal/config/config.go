package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RELAYCHAT"

// ServerConfig holds settings for the realtime server runtime.
type ServerConfig struct {
	ListenAddr    string
	HTTPAddr      string
	Database      DatabaseConfig
	JWT           JWTConfig
	Log           LogConfig
	Rate          RateConfig
	Kafka         KafkaConfig
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int
	SendBuffer    int
	// OfflineOnDisconnect marks a user offline when their last live session closes.
	OfflineOnDisconnect bool
}

// ClientConfig holds settings for the protocol client.
type ClientConfig struct {
	ServerAddr    string
	DialTimeout   time.Duration
	MaxFrameBytes int
}

// DatabaseConfig captures storage configuration.
type DatabaseConfig struct {
	Driver string // sqlite or postgres
	Path   string
	DSN    string
}

// JWTConfig defines token issuance parameters.
type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

// LogConfig selects logger level and output format.
type LogConfig struct {
	Level  string
	Format string // json or text
}

// RateConfig bounds inbound events per session.
type RateConfig struct {
	PerSecond float64
	Burst     int
}

// KafkaConfig enables the committed-update stream when Brokers is non-empty.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	QueueSize int
}

// LoadServerConfig builds the server configuration from environment variables
// (and an optional config file named by RELAYCHAT_CONFIG) with sensible defaults.
func LoadServerConfig() (ServerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{
		ListenAddr: v.GetString("listen_addr"),
		HTTPAddr:   v.GetString("http_addr"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			Path:   v.GetString("database.path"),
			DSN:    v.GetString("database.dsn"),
		},
		JWT: loadJWTConfig(v),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Rate: RateConfig{
			PerSecond: v.GetFloat64("rate.per_second"),
			Burst:     v.GetInt("rate.burst"),
		},
		Kafka: KafkaConfig{
			Brokers:   splitList(v.GetString("kafka.brokers")),
			Topic:     v.GetString("kafka.topic"),
			QueueSize: v.GetInt("kafka.queue_size"),
		},
		ReadTimeout:         v.GetDuration("read_timeout"),
		WriteTimeout:        v.GetDuration("write_timeout"),
		MaxFrameBytes:       v.GetInt("max_frame_bytes"),
		SendBuffer:          v.GetInt("send_buffer"),
		OfflineOnDisconnect: v.GetBool("presence.offline_on_disconnect"),
	}, nil
}

// LoadClientConfig builds the client configuration from environment variables.
func LoadClientConfig() (ClientConfig, error) {
	v, err := newViper()
	if err != nil {
		return ClientConfig{}, err
	}
	return ClientConfig{
		ServerAddr:    v.GetString("server_addr"),
		DialTimeout:   v.GetDuration("dial_timeout"),
		MaxFrameBytes: v.GetInt("max_frame_bytes"),
	}, nil
}

// LoadAdminConfig returns the subset of server settings the admin CLI needs.
func LoadAdminConfig() (DatabaseConfig, JWTConfig, error) {
	v, err := newViper()
	if err != nil {
		return DatabaseConfig{}, JWTConfig{}, err
	}
	db := DatabaseConfig{
		Driver: strings.ToLower(v.GetString("database.driver")),
		Path:   v.GetString("database.path"),
		DSN:    v.GetString("database.dsn"),
	}
	return db, loadJWTConfig(v), nil
}

func loadJWTConfig(v *viper.Viper) JWTConfig {
	return JWTConfig{
		Secret:     v.GetString("jwt.secret"),
		Issuer:     v.GetString("jwt.issuer"),
		Expiration: v.GetDuration("jwt.expiration"),
	}
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":9000")
	v.SetDefault("http_addr", ":9080")
	v.SetDefault("server_addr", "localhost:9000")
	v.SetDefault("dial_timeout", 5*time.Second)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "relaychat.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("jwt.secret", "replace-me")
	v.SetDefault("jwt.issuer", "relaychat")
	v.SetDefault("jwt.expiration", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("rate.per_second", 20.0)
	v.SetDefault("rate.burst", 40)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "relaychat.updates")
	v.SetDefault("kafka.queue_size", 1024)
	v.SetDefault("read_timeout", 90*time.Second)
	v.SetDefault("write_timeout", 15*time.Second)
	v.SetDefault("max_frame_bytes", 1<<20)
	v.SetDefault("send_buffer", 64)
	v.SetDefault("presence.offline_on_disconnect", true)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
