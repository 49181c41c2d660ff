// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

// Config holds every tunable of the game service and the historian.
type Config struct {
	Addr           string
	HistoryAddr    string
	AllowedOrigins []string
	LogLevel       string
	LogJSON        bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// UsersServiceURL, when set, resolves identities through the users
	// service; otherwise tokens are verified locally with JWTPublicKeyPath.
	UsersServiceURL  string
	JWTPublicKeyPath string
	AuthCookie       string

	DisconnectTimeout  time.Duration
	MonitorInterval    time.Duration
	// PingInterval paces the keepalive pings on game sockets. A ping left
	// unanswered for one interval drops the socket.
	PingInterval       time.Duration
	SweepInterval      time.Duration
	CompletedRetention time.Duration
	WaitingExpiry      time.Duration
	FinishedGrace      time.Duration

	DatabaseURL       string
	HistorianGroup    string
	HistorianConsumer string
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Addr:        ":8000",
		HistoryAddr: ":8001",
		LogLevel:    "info",

		RedisAddr: "localhost:6379",

		AuthCookie: "tictactoe",

		DisconnectTimeout:  30 * time.Second,
		MonitorInterval:    5 * time.Second,
		PingInterval:       10 * time.Second,
		SweepInterval:      5 * time.Minute,
		CompletedRetention: 5 * time.Minute,
		WaitingExpiry:      30 * time.Minute,
		FinishedGrace:      10 * time.Second,

		HistorianGroup:    "game_history",
		HistorianConsumer: "historian-1",
	}
}

// Flags declares one flag per field, each also readable from the
// environment variable shown in its usage.
func Flags() []cli.Flag {
	d := Defaults()
	return []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: d.Addr, Usage: "HTTP listen address", Sources: cli.EnvVars("GAME_ADDR")},
		&cli.StringFlag{Name: "history-addr", Value: d.HistoryAddr, Usage: "HTTP listen address of the historian", Sources: cli.EnvVars("HISTORY_ADDR")},
		&cli.StringSliceFlag{Name: "allowed-origins", Usage: "origin patterns accepted on the game socket", Sources: cli.EnvVars("ALLOWED_ORIGINS")},
		&cli.StringFlag{Name: "log-level", Value: d.LogLevel, Usage: "logrus level", Sources: cli.EnvVars("LOG_LEVEL")},
		&cli.BoolFlag{Name: "log-json", Usage: "emit JSON logs", Sources: cli.EnvVars("LOG_JSON")},

		&cli.StringFlag{Name: "redis-addr", Value: d.RedisAddr, Sources: cli.EnvVars("REDIS_ADDR")},
		&cli.StringFlag{Name: "redis-password", Sources: cli.EnvVars("REDIS_PASSWORD")},
		&cli.IntFlag{Name: "redis-db", Value: d.RedisDB, Sources: cli.EnvVars("REDIS_DB")},

		&cli.StringFlag{Name: "users-service-url", Usage: "base URL of the users service", Sources: cli.EnvVars("USERS_SERVICE_URL")},
		&cli.StringFlag{Name: "jwt-public-key", Usage: "Ed25519 public key file for local token checks", Sources: cli.EnvVars("JWT_PUBLIC_KEY_PATH")},
		&cli.StringFlag{Name: "auth-cookie", Value: d.AuthCookie, Sources: cli.EnvVars("AUTH_COOKIE")},

		&cli.DurationFlag{Name: "disconnect-timeout", Value: d.DisconnectTimeout, Sources: cli.EnvVars("DISCONNECT_TIMEOUT")},
		&cli.DurationFlag{Name: "monitor-interval", Value: d.MonitorInterval, Sources: cli.EnvVars("MONITOR_INTERVAL")},
		&cli.DurationFlag{Name: "ping-interval", Value: d.PingInterval, Usage: "keepalive ping period on game sockets", Sources: cli.EnvVars("PING_INTERVAL")},
		&cli.DurationFlag{Name: "sweep-interval", Value: d.SweepInterval, Sources: cli.EnvVars("SWEEP_INTERVAL")},
		&cli.DurationFlag{Name: "completed-retention", Value: d.CompletedRetention, Sources: cli.EnvVars("COMPLETED_RETENTION")},
		&cli.DurationFlag{Name: "waiting-expiry", Value: d.WaitingExpiry, Sources: cli.EnvVars("WAITING_EXPIRY")},
		&cli.DurationFlag{Name: "finished-grace", Value: d.FinishedGrace, Sources: cli.EnvVars("FINISHED_GRACE")},

		&cli.StringFlag{Name: "database-url", Sources: cli.EnvVars("DATABASE_URL")},
		&cli.StringFlag{Name: "historian-group", Value: d.HistorianGroup, Sources: cli.EnvVars("HISTORIAN_GROUP")},
		&cli.StringFlag{Name: "historian-consumer", Value: d.HistorianConsumer, Sources: cli.EnvVars("HISTORIAN_CONSUMER")},
	}
}

// FromCommand reads the flags declared by Flags.
func FromCommand(cmd *cli.Command) Config {
	return Config{
		Addr:           cmd.String("addr"),
		HistoryAddr:    cmd.String("history-addr"),
		AllowedOrigins: cmd.StringSlice("allowed-origins"),
		LogLevel:       cmd.String("log-level"),
		LogJSON:        cmd.Bool("log-json"),

		RedisAddr:     cmd.String("redis-addr"),
		RedisPassword: cmd.String("redis-password"),
		RedisDB:       int(cmd.Int("redis-db")),

		UsersServiceURL:  cmd.String("users-service-url"),
		JWTPublicKeyPath: cmd.String("jwt-public-key"),
		AuthCookie:       cmd.String("auth-cookie"),

		DisconnectTimeout:  cmd.Duration("disconnect-timeout"),
		MonitorInterval:    cmd.Duration("monitor-interval"),
		PingInterval:       cmd.Duration("ping-interval"),
		SweepInterval:      cmd.Duration("sweep-interval"),
		CompletedRetention: cmd.Duration("completed-retention"),
		WaitingExpiry:      cmd.Duration("waiting-expiry"),
		FinishedGrace:      cmd.Duration("finished-grace"),

		DatabaseURL:       cmd.String("database-url"),
		HistorianGroup:    cmd.String("historian-group"),
		HistorianConsumer: cmd.String("historian-consumer"),
	}
}

// Validate rejects settings the sweepers cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("redis address is required"))
	}
	for name, d := range map[string]time.Duration{
		"disconnect-timeout":  c.DisconnectTimeout,
		"monitor-interval":    c.MonitorInterval,
		"ping-interval":       c.PingInterval,
		"sweep-interval":      c.SweepInterval,
		"completed-retention": c.CompletedRetention,
		"waiting-expiry":      c.WaitingExpiry,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.FinishedGrace < 0 {
		errs = append(errs, fmt.Errorf("finished-grace must not be negative, got %s", c.FinishedGrace))
	}
	if c.MonitorInterval > 0 && c.DisconnectTimeout > 0 && c.MonitorInterval >= c.DisconnectTimeout {
		errs = append(errs, fmt.Errorf("monitor-interval %s must be shorter than disconnect-timeout %s", c.MonitorInterval, c.DisconnectTimeout))
	}
	// a dead peer must be dropped by its failed ping well before the
	// opponent could be handed a timeout win
	if c.PingInterval > 0 && c.DisconnectTimeout > 0 && 2*c.PingInterval >= c.DisconnectTimeout {
		errs = append(errs, fmt.Errorf("ping-interval %s must be under half of disconnect-timeout %s", c.PingInterval, c.DisconnectTimeout))
	}
	return errors.Join(errs...)
}

// ValidateHistorian checks what the audit-log consumer needs.
func (c Config) ValidateHistorian() error {
	var errs []error
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("redis address is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database-url is required"))
	}
	if c.HistorianGroup == "" || c.HistorianConsumer == "" {
		errs = append(errs, errors.New("historian group and consumer names are required"))
	}
	return errors.Join(errs...)
}

// PresenceTTL is how long a presence key outlives its last refresh.
func (c Config) PresenceTTL() time.Duration {
	return 3 * c.MonitorInterval
}

// LeaseTTL bounds how long a crashed sweeper keeps the stale-game lease.
func (c Config) LeaseTTL() time.Duration {
	return 2 * c.SweepInterval
}
