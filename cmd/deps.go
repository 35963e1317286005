// Package cmd provides CLI commands for the convlog tool.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"github.com/otherjamesbrown/convlog/config"
	"github.com/otherjamesbrown/convlog/credentials"
	"github.com/otherjamesbrown/convlog/pkg/db"
	"github.com/otherjamesbrown/convlog/pkg/logging"
)

// CommandDeps holds the dependencies shared by convlog commands.
type CommandDeps struct {
	LoadConfig   func() (*config.Config, error)
	ConnectToDB  func(context.Context, *config.Config) (*pgxpool.Pool, error)
	ConnectRedis func(context.Context, *config.Config) (*redis.Client, error)
	SecretStore  func() (credentials.SecretStore, error)
	NewLogger    func(*config.Config) logging.Logger

	// ReadSecret reads a secret from the user without echo.
	ReadSecret func(prompt string) (string, error)
}

// DefaultDeps returns the default dependencies for production use. load
// supplies the configuration the root command resolved.
func DefaultDeps(load func() (*config.Config, error)) *CommandDeps {
	if load == nil {
		load = func() (*config.Config, error) { return config.LoadConfig("") }
	}
	return &CommandDeps{
		LoadConfig:   load,
		ConnectToDB:  connectToDatabase,
		ConnectRedis: connectToRedis,
		SecretStore:  defaultSecretStore,
		NewLogger:    NewLogger,
		ReadSecret:   readSecret,
	}
}

// NewLogger builds the process logger from cfg. LogFormatAuto writes JSON
// unless stderr is a terminal.
func NewLogger(cfg *config.Config) logging.Logger {
	return newLoggerTo(cfg, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

func newLoggerTo(cfg *config.Config, out io.Writer, tty bool) logging.Logger {
	jsonFormat := !tty
	switch cfg.Logging.Format {
	case config.LogFormatJSON:
		jsonFormat = true
	case config.LogFormatConsole:
		jsonFormat = false
	}

	return logging.NewLogger(&logging.Config{
		Level:       cfg.LogLevel(),
		ServiceName: "convlog",
		JSONFormat:  jsonFormat,
		Output:      out,
	})
}

func defaultSecretStore() (credentials.SecretStore, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	return credentials.DefaultStore(dir)
}

// connectToDatabase opens a pool using cfg.Database with the password
// resolved from the environment, config file or secret store.
func connectToDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dbCfg := cfg.Database

	// An unavailable store just means no stored password.
	store, _ := defaultSecretStore()
	password, _, err := credentials.ResolveDBPassword(store, dbCfg.Password, dbCfg.User)
	if err != nil {
		return nil, fmt.Errorf("resolving database password: %w", err)
	}
	dbCfg.Password = password

	return db.Connect(ctx, &dbCfg)
}

// connectToRedis opens a Redis client and verifies it with a ping.
func connectToRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	pc := cfg.Redis.PublisherConfig()
	client := redis.NewClient(&redis.Options{
		Addr:     pc.Addr(),
		Password: pc.Password,
		DB:       pc.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to Redis at %s: %w", pc.Addr(), err)
	}
	return client, nil
}

// readSecret prompts on stderr and reads a line without echo. Piped input
// falls back to a plain line read.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(os.Stdin)
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}
