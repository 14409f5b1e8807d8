package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User        string
	Pass        string
	Host        string
	Port        string
	Name        string
	MaxConns    int
	PingTimeout time.Duration
}

type NSQ struct {
	NsqdTCPAddr  string // e.g. nsqd:4150
	NsqdHTTPAddr string // e.g. nsqd:4151, stats endpoint
	DLQTopic     string // dead-letter topic for undeliverable payloads
	DLQChannel   string // channel the dlq-monitor consumes
	PublishDLQ   bool   // publish dead letters to NSQ at all
}

type DLQMonitor struct {
	Port         string
	PollInterval time.Duration // nsqd stats polling
}

type Collector struct {
	APIKey           string
	NotifyEndpoint   string        // error reports
	SessionsEndpoint string        // session pings
	Timeout          time.Duration // per attempt, 0 means none
	RedactedKeys     []string
	ProbeURL         string // connectivity check target, defaults to NotifyEndpoint
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
}

type Queue struct {
	Backend string // file, postgres, memory
	Dir     string // file backend root
}

type Auth struct {
	Enabled       bool
	PublicKeyFile string // PEM encoded RSA public key
	Issuer        string
	Audience      string
}

type Tracing struct {
	Enabled     bool
	SampleRatio float64
}

type FakeCollector struct {
	FailFirstN      int           // number of requests to fail initially
	FailureStatus   int           // status returned while failing
	ExpectedAPIKey  string        // reject other keys with 401 when set
	ResponseDelayMS int           // simulated response delay in milliseconds
	Port            string        // server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName       string
	HTTPPort      string // :8080
	DB            DB
	NSQ           NSQ
	Collector     Collector
	Queue         Queue
	Auth          Auth
	Tracing       Tracing
	FakeCollector FakeCollector
	DLQMonitor    DLQMonitor
}

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseList splits a comma separated value, dropping blanks.
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func FromEnv() Config {
	notify := getenv("COLLECTOR_NOTIFY_ENDPOINT", "http://fake-collector:8081/notify")
	return Config{
		AppName:  getenv("APP_NAME", "harborrelay"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User:        getenv("DB_USER", "postgres"),
			Pass:        getenv("DB_PASS", "postgres"),
			Host:        getenv("DB_HOST", "postgres"),
			Port:        getenv("DB_PORT", "5432"),
			Name:        getenv("DB_NAME", "harborrelay"),
			MaxConns:    getenvInt("DB_MAX_CONNS", 4),
			PingTimeout: getenvDuration("DB_PING_TIMEOUT", 5*time.Second),
		},
		NSQ: NSQ{
			NsqdTCPAddr:  getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr: getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			DLQTopic:     getenv("NSQ_DLQ_TOPIC", "payloads_dlq"),
			DLQChannel:   getenv("NSQ_DLQ_CHANNEL", "dlq-monitor"),
			PublishDLQ:   getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Collector: Collector{
			APIKey:           getenv("COLLECTOR_API_KEY", ""),
			NotifyEndpoint:   notify,
			SessionsEndpoint: getenv("COLLECTOR_SESSIONS_ENDPOINT", "http://fake-collector:8081/sessions"),
			Timeout:          getenvDuration("COLLECTOR_TIMEOUT", 0),
			RedactedKeys:     parseList(getenv("REDACTED_KEYS", "password")),
			ProbeURL:         getenv("CONNECTIVITY_PROBE_URL", notify),
			ProbeInterval:    getenvDuration("CONNECTIVITY_PROBE_INTERVAL", 10*time.Second),
			ProbeTimeout:     getenvDuration("CONNECTIVITY_PROBE_TIMEOUT", 3*time.Second),
		},
		Queue: Queue{
			Backend: getenv("QUEUE_BACKEND", BackendFile),
			Dir:     getenv("QUEUE_DIR", "/var/lib/harborrelay/queue"),
		},
		Auth: Auth{
			Enabled:       getenvBool("AUTH_ENABLED", false),
			PublicKeyFile: getenv("AUTH_PUBLIC_KEY_FILE", ""),
			Issuer:        getenv("AUTH_ISSUER", "harborrelay"),
			Audience:      getenv("AUTH_AUDIENCE", "harborrelay-ingest"),
		},
		Tracing: Tracing{
			Enabled:     getenvBool("TRACING_ENABLED", false),
			SampleRatio: getenvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		FakeCollector: FakeCollector{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			FailureStatus:   getenvInt("FAILURE_STATUS", 503),
			ExpectedAPIKey:  getenv("EXPECTED_API_KEY", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_COLLECTOR_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_COLLECTOR_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_COLLECTOR_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_COLLECTOR_IDLE_TIMEOUT", 60*time.Second),
		},
		DLQMonitor: DLQMonitor{
			Port:         getenv("DLQ_MONITOR_PORT", ":8084"),
			PollInterval: getenvDuration("DLQ_MONITOR_POLL_INTERVAL", 15*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Validate checks the settings the relay daemon cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Collector.NotifyEndpoint == "" {
		errs = append(errs, errors.New("COLLECTOR_NOTIFY_ENDPOINT is required"))
	}
	if c.Collector.SessionsEndpoint == "" {
		errs = append(errs, errors.New("COLLECTOR_SESSIONS_ENDPOINT is required"))
	}
	switch c.Queue.Backend {
	case BackendFile:
		if c.Queue.Dir == "" {
			errs = append(errs, errors.New("QUEUE_DIR is required for the file backend"))
		}
	case BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend))
	}
	if c.Auth.Enabled && c.Auth.PublicKeyFile == "" {
		errs = append(errs, errors.New("AUTH_PUBLIC_KEY_FILE is required when AUTH_ENABLED"))
	}
	if c.Collector.ProbeInterval <= 0 {
		errs = append(errs, errors.New("CONNECTIVITY_PROBE_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}
