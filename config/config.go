package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

const (
	DefaultConfigPath     = "roomsync.toml"
	DefaultServerAddr     = ":3000"
	DefaultNatsURL        = "nats://127.0.0.1:4222"
	DefaultStreamName     = "ROOM_MESSAGES"
	DefaultSubjectPrefix  = "rooms"
	DefaultViewedBucket   = "room_viewed"
	DefaultObjectBucket   = "room_files"
	DefaultTokenBucket    = "room_upload_tokens"
	DefaultMaxMessageSize = 512 * 1024
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultSendRate       = 10
	DefaultSendBurst      = 20
	DefaultAckTimeout     = 10 * time.Second
	DefaultHistoryLimit   = 50
	DefaultUploadTokenTTL = 15 * time.Minute
	DefaultMaxUploadSize  = 25 * 1024 * 1024
	DefaultRetention      = 30 * 24 * time.Hour
)

type Config struct {
	Log    LogConfig    `toml:"log"`
	Server ServerConfig `toml:"server"`
	Nats   NatsConfig   `toml:"nats"`
	Socket SocketConfig `toml:"socket"`
	Client ClientConfig `toml:"client"`
	Upload UploadConfig `toml:"upload"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// PublicURL prefixes upload targets handed to clients.
	PublicURL string `toml:"public_url"`
}

type NatsConfig struct {
	URL           string   `toml:"url"`
	StreamName    string   `toml:"stream_name"`
	SubjectPrefix string   `toml:"subject_prefix"`
	ViewedBucket  string   `toml:"viewed_bucket"`
	ObjectBucket  string   `toml:"object_bucket"`
	TokenBucket   string   `toml:"token_bucket"`
	Retention     Duration `toml:"retention"`
}

type SocketConfig struct {
	MaxMessageSize int64    `toml:"max_message_size"`
	WriteWait      Duration `toml:"write_wait"`
	PongWait       Duration `toml:"pong_wait"`
	// SendRate caps send-message frames per second per connection; zero
	// disables the limit.
	SendRate  float64 `toml:"send_rate"`
	SendBurst int     `toml:"send_burst"`
}

// PingPeriod must stay below PongWait so the peer sees traffic before its
// read deadline expires.
func (c SocketConfig) PingPeriod() time.Duration {
	return (c.PongWait.Duration * 9) / 10
}

type ClientConfig struct {
	BaseURL      string   `toml:"base_url"`
	SocketURL    string   `toml:"socket_url"`
	UserID       string   `toml:"user_id"`
	UserName     string   `toml:"user_name"`
	AckTimeout   Duration `toml:"ack_timeout"`
	HistoryLimit int      `toml:"history_limit"`
}

type UploadConfig struct {
	TokenTTL Duration `toml:"token_ttl"`
	MaxSize  ByteSize `toml:"max_size"`
}

// Duration decodes TOML strings such as "10s" or "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ByteSize decodes sizes written either as integers or as strings such as
// "25MB" or "512KiB".
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", string(text), err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

// Default returns a config populated with every default value.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:      DefaultServerAddr,
			PublicURL: "http://127.0.0.1" + DefaultServerAddr,
		},
		Nats: NatsConfig{
			URL:           DefaultNatsURL,
			StreamName:    DefaultStreamName,
			SubjectPrefix: DefaultSubjectPrefix,
			ViewedBucket:  DefaultViewedBucket,
			ObjectBucket:  DefaultObjectBucket,
			TokenBucket:   DefaultTokenBucket,
			Retention:     Duration{DefaultRetention},
		},
		Socket: SocketConfig{
			MaxMessageSize: DefaultMaxMessageSize,
			WriteWait:      Duration{DefaultWriteWait},
			PongWait:       Duration{DefaultPongWait},
			SendRate:       DefaultSendRate,
			SendBurst:      DefaultSendBurst,
		},
		Client: ClientConfig{
			BaseURL:      "http://127.0.0.1" + DefaultServerAddr,
			SocketURL:    "ws://127.0.0.1" + DefaultServerAddr + "/ws",
			AckTimeout:   Duration{DefaultAckTimeout},
			HistoryLimit: DefaultHistoryLimit,
		},
		Upload: UploadConfig{
			TokenTTL: Duration{DefaultUploadTokenTTL},
			MaxSize:  DefaultMaxUploadSize,
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}

	return cfg, nil
}
