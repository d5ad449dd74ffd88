package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hpungsan/scribe/internal/auth"
	"github.com/hpungsan/scribe/internal/config"
	"github.com/hpungsan/scribe/internal/db"
	"github.com/hpungsan/scribe/internal/logging"
	"github.com/hpungsan/scribe/internal/manager"
	"github.com/hpungsan/scribe/internal/mcp"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// closeTimeout bounds how long exit waits for queued operations to drain.
const closeTimeout = 15 * time.Second

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"save": true, "get": true, "list": true, "search": true, "delete": true,
	"current": true, "category": true, "export": true, "import": true,
	"login": true, "logout": true, "refresh": true, "sync": true, "status": true,
	"serve": true, "help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false
	}
	return cliCommands[os.Args[1]] || isHelpOrVersion()
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   ___  ___ _ __(_) |__   ___
  / __|/ __| '__| | '_ \ / _ \
  \__ \ (__| |  | | |_) |  __/
  |___/\___|_|  |_|_.__/ \___|

  Offline-first documents with background sync

  Usage: scribe <command> [options]
         scribe --help

  MCP server mode requires piped input.`)
}

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return 0
	}

	// Help and version need no database.
	if isHelpOrVersion() {
		if err := newCLIApp(nil).Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}

	if len(os.Args) >= 2 && !isCLIMode() && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'scribe --help' for usage.\n")
		return 1
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not determine home directory: %v\n", err)
		return 1
	}
	baseDir := filepath.Join(homeDir, ".scribe")

	cwd, err := os.Getwd()
	if err != nil {
		cwd = baseDir
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		return 1
	}

	cliMode := isCLIMode()
	log := newLogger(cfg, cliMode)
	defer func() { _ = log.Sync() }()
	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		log.Warn("unknown tools in disabled_tools", zap.Strings("tools", unknown))
	}

	env, err := openEnv(baseDir, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer env.close()

	if cliMode {
		if err := newCLIApp(env).Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}

	if err := mcp.Run(env.m, cfg, Version); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// newLogger writes to log_file when set. Otherwise CLI runs only report
// warnings on stderr so stdout stays JSON.
func newLogger(cfg *config.Config, cliMode bool) *zap.Logger {
	if cfg.LogFile != "" || !cliMode {
		return logging.New(cfg)
	}
	level := cfg.LogLevel
	if level == "" {
		level = "warn"
	}
	return logging.NewWithWriter(os.Stderr, logging.ParseLevel(level))
}

// appEnv is everything a command needs.
type appEnv struct {
	m     *manager.Manager
	cfg   *config.Config
	creds *auth.CredentialsFile
	log   *zap.Logger
	close func()
}

// openEnv opens the database, builds the manager, signs in with any stored
// token and starts background sync.
func openEnv(baseDir string, cfg *config.Config, log *zap.Logger) (*appEnv, error) {
	database, err := db.Init(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db.ConfigurePool(database, cfg)

	creds := &auth.CredentialsFile{Path: filepath.Join(baseDir, "credentials")}
	m, err := manager.New(database, manager.Options{
		Config:      cfg,
		BaseDir:     baseDir,
		Credentials: creds,
		Logger:      log,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	// Sign in before Start so the login full sync is queued ahead of the command.
	if cfg.RemoteURL != "" {
		if token, err := creds.Read(); err != nil {
			log.Warn("failed to read credentials", zap.Error(err))
		} else if token != "" {
			if err := m.HandleLogin(token); err != nil {
				log.Warn("stored token rejected; run scribe login", zap.Error(err))
			}
		}
	}
	m.Start(context.Background())

	env := &appEnv{m: m, cfg: cfg, creds: creds, log: log}
	env.close = func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = m.Close(ctx)
		database.Close()
	}
	return env, nil
}
