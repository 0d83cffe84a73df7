package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"./data/reminders.db"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"./migrations"`

	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	Queue QueueConfig
	Push  PushConfig
}

type QueueConfig struct {
	Name            string        `env:"QUEUE_NAME" envDefault:"reminder"`
	Concurrency     int           `env:"QUEUE_CONCURRENCY" envDefault:"4"`
	PromoteInterval time.Duration `env:"QUEUE_PROMOTE_INTERVAL" envDefault:"500ms"`
	LockDuration    time.Duration `env:"QUEUE_LOCK_DURATION" envDefault:"30s"`
	BackoffBase     time.Duration `env:"QUEUE_BACKOFF_BASE" envDefault:"1s"`
	BackoffMax      time.Duration `env:"QUEUE_BACKOFF_MAX" envDefault:"1m"`
	// JobAttempts is the attempt budget handed to the queue for each reminder job.
	JobAttempts int `env:"JOB_ATTEMPTS" envDefault:"1"`
	// CancelAfter is the attempt count at which a failing reminder is cancelled.
	CancelAfter int `env:"CANCEL_AFTER_ATTEMPTS" envDefault:"3"`
}

type PushConfig struct {
	VAPIDPublicKey  string `env:"PUSH_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"PUSH_VAPID_PRIVATE_KEY"`
	Subject         string `env:"PUSH_SUBJECT" envDefault:"mailto:webPushV1@mailinator.com"`
	// TTL is how long, in seconds, the push service keeps an undelivered message.
	TTL         int           `env:"PUSH_TTL" envDefault:"30"`
	Timeout     time.Duration `env:"PUSH_TIMEOUT" envDefault:"10s"`
	RatePerSec  int           `env:"PUSH_RATE_PER_SEC" envDefault:"10"`
	EventBuffer int           `env:"EVENT_BUFFER" envDefault:"64"`
}

// Enabled reports whether web push can be used at all.
func (p PushConfig) Enabled() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != ""
}

func (c Config) Development() bool { return c.AppEnv == "development" }

// Parse reads the environment into a Config and validates it.
func Parse() (Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres store")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite store")
		}
	default:
		return errors.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Queue.Concurrency <= 0 {
		return errors.New("QUEUE_CONCURRENCY must be positive")
	}
	if c.Queue.JobAttempts <= 0 {
		return errors.New("JOB_ATTEMPTS must be positive")
	}
	return nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
