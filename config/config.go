// Package config loads daemon settings from the environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"github.com/joho/godotenv"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultHTTPAddr        = ":8080"
	DefaultLogFile         = "humidord.log"
	DefaultLogMaxSizeMB    = 10
	DefaultLogMaxBackups   = 3
	DefaultCloudBaseURL    = "https://api.sensorpush.com/api/v1"
	DefaultCloudInterval   = 1 * time.Second
	DefaultHubTimeout      = 10 * time.Second
	DefaultRetention       = 24 * time.Hour
	DefaultPollInterval    = 5 * time.Minute
	DefaultMQTTClientID    = "humidord"
	DefaultMQTTTopicPrefix = "humidor"
)

type Config struct {
	HTTP struct {
		Addr string
	}
	Log struct {
		File       string
		MaxSizeMB  int
		MaxBackups int
	}
	Cloud struct {
		BaseURL     string
		Email       string
		Password    string
		MinInterval time.Duration
	}
	Hub struct {
		Timeout   time.Duration
		Simulated bool
	}
	History struct {
		Retention time.Duration
	}
	Poll struct {
		Interval time.Duration
	}
	Influx struct {
		URL    string
		Token  string
		Org    string
		Bucket string
	}
	MQTT struct {
		Broker      string
		ClientID    string
		TopicPrefix string
	}
}

// CloudCredentials reports whether credentials for an automatic sign in are present.
func (c Config) CloudCredentials() bool {
	return c.Cloud.Email != "" && c.Cloud.Password != ""
}

func (c Config) InfluxEnabled() bool {
	return c.Influx.URL != ""
}

func (c Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}

// Load reads each .env file that exists, without overriding variables already set, then builds the
// Config from the environment.
func Load(files ...string) (Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	p := &parser{}

	var cfg Config

	cfg.HTTP.Addr = p.str("HUMIDOR_HTTP_ADDR", DefaultHTTPAddr)

	cfg.Log.File = p.str("HUMIDOR_LOG_FILE", DefaultLogFile)
	cfg.Log.MaxSizeMB = p.integer("HUMIDOR_LOG_MAX_SIZE_MB", DefaultLogMaxSizeMB)
	cfg.Log.MaxBackups = p.integer("HUMIDOR_LOG_MAX_BACKUPS", DefaultLogMaxBackups)

	cfg.Cloud.BaseURL = p.str("HUMIDOR_CLOUD_BASE_URL", DefaultCloudBaseURL)
	cfg.Cloud.Email = p.str("HUMIDOR_CLOUD_EMAIL", "")
	cfg.Cloud.Password = p.str("HUMIDOR_CLOUD_PASSWORD", "")
	cfg.Cloud.MinInterval = p.duration("HUMIDOR_CLOUD_MIN_INTERVAL", DefaultCloudInterval)

	cfg.Hub.Timeout = p.duration("HUMIDOR_HUB_TIMEOUT", DefaultHubTimeout)
	cfg.Hub.Simulated = p.boolean("HUMIDOR_HUB_SIMULATED", false)

	cfg.History.Retention = p.duration("HUMIDOR_HISTORY_RETENTION", DefaultRetention)
	cfg.Poll.Interval = p.duration("HUMIDOR_POLL_INTERVAL", DefaultPollInterval)

	cfg.Influx.URL = p.str("HUMIDOR_INFLUX_URL", "")
	cfg.Influx.Token = p.str("HUMIDOR_INFLUX_TOKEN", "")
	cfg.Influx.Org = p.str("HUMIDOR_INFLUX_ORG", "")
	cfg.Influx.Bucket = p.str("HUMIDOR_INFLUX_BUCKET", "")

	cfg.MQTT.Broker = p.str("HUMIDOR_MQTT_BROKER", "")
	cfg.MQTT.ClientID = p.str("HUMIDOR_MQTT_CLIENT_ID", DefaultMQTTClientID)
	cfg.MQTT.TopicPrefix = p.str("HUMIDOR_MQTT_TOPIC_PREFIX", DefaultMQTTTopicPrefix)

	p.validate(cfg)

	if len(p.problems) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(p.problems, "; "))
	}

	return cfg, nil
}

type parser struct {
	problems []string
}

func (p *parser) str(key string, def string) string {
	if v, found := os.LookupEnv(key); found && v != "" {
		return v
	}

	return def
}

func (p *parser) integer(key string, def int) int {
	v, found := os.LookupEnv(key)
	if !found || v == "" {
		return def
	}

	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a non-negative integer", key))
		return def
	}

	return i
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, found := os.LookupEnv(key)
	if !found || v == "" {
		return def
	}

	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a positive duration", key))
		return def
	}

	return d
}

func (p *parser) boolean(key string, def bool) bool {
	v, found := os.LookupEnv(key)
	if !found || v == "" {
		return def
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a boolean", key))
		return def
	}

	return b
}

func (p *parser) validate(cfg Config) {
	if (cfg.Cloud.Email == "") != (cfg.Cloud.Password == "") {
		p.problems = append(p.problems, "HUMIDOR_CLOUD_EMAIL and HUMIDOR_CLOUD_PASSWORD must be set together")
	}

	influx := []string{cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket}
	set := 0
	for _, v := range influx {
		if v != "" {
			set++
		}
	}

	if set != 0 && set != len(influx) {
		p.problems = append(p.problems, "HUMIDOR_INFLUX_URL, HUMIDOR_INFLUX_TOKEN, HUMIDOR_INFLUX_ORG and HUMIDOR_INFLUX_BUCKET must all be set or none")
	}

	if cfg.MQTT.Broker != "" && cfg.MQTT.ClientID == "" {
		p.problems = append(p.problems, "HUMIDOR_MQTT_CLIENT_ID is required with a broker")
	}
}
