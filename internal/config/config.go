package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	DbURI    string `env:"UTSKICK_DB_URI" envDefault:"./utskick.sqlite"`
	RedisURI string `env:"UTSKICK_REDIS_URI" envDefault:"redis://localhost:6379/0"`

	MaxEmailsPerHour int64 `env:"UTSKICK_MAX_EMAILS_PER_HOUR" envDefault:"200"`
	DefaultDelayMs   int64 `env:"UTSKICK_DEFAULT_DELAY_MS" envDefault:"2000"`

	Workers int `env:"UTSKICK_WORKERS" envDefault:"5"`

	QueuePollInterval time.Duration `env:"UTSKICK_QUEUE_POLL_INTERVAL" envDefault:"1s"`
	QueueMaxRetries   int           `env:"UTSKICK_QUEUE_MAX_RETRIES" envDefault:"3"`
	QueueRetryBackoff time.Duration `env:"UTSKICK_QUEUE_RETRY_BACKOFF" envDefault:"30s"`

	SMTPHost  string `env:"UTSKICK_SMTP_HOST"`
	SMTPPort  int    `env:"UTSKICK_SMTP_PORT" envDefault:"587"`
	SMTPUser  string `env:"UTSKICK_SMTP_USER"`
	SMTPPass  string `env:"UTSKICK_SMTP_PASS"`
	FromEmail string `env:"UTSKICK_FROM_EMAIL"`

	Hostname string `env:"UTSKICK_HOSTNAME"` // public host name of this node, used for Message-Id and auto TLS

	APIPort         int    `env:"UTSKICK_API_PORT" envDefault:"8080"`
	APIAutoTLS      bool   `env:"UTSKICK_API_AUTO_TLS" envDefault:"false"`
	APIAutoTLSEmail string `env:"UTSKICK_API_AUTO_TLS_EMAIL"` // account email for Let's Encrypt

	MetricsPoll         bool          `env:"UTSKICK_METRICS_POLL" envDefault:"false"`
	MetricsPollUser     string        `env:"UTSKICK_METRICS_POLL_BASIC_AUTH_USER"`
	MetricsPollPassword string        `env:"UTSKICK_METRICS_POLL_BASIC_AUTH_PASS"`
	MetricsPush         string        `env:"UTSKICK_METRICS_PUSH_URL"`
	MetricsPushInterval time.Duration `env:"UTSKICK_METRICS_PUSH_INTERVAL" envDefault:"1m"`

	LogLevel string `env:"UTSKICK_LOG_LEVEL" envDefault:"info"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
