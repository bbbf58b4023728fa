// Command narrate runs the external narrative chain over one READY
// session from the command line.
//
// Exit codes: 0 success, 1 usage, 2 configuration, 3 validation,
// 4 external-capability failure, 5 internal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pveiga/oraculo/internal/config"
	"github.com/pveiga/oraculo/internal/narrative"
	"github.com/pveiga/oraculo/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("narrate", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	sessionID := fs.String("session", "", "id of the READY session to narrate")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return narrative.ExitUsage
	}
	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "narrate: -session is required")
		fs.Usage()
		return narrative.ExitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "narrate: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "narrate: %v\n", err)
		}
		return narrative.ExitConfig
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat))

	store, err := session.NewFSStore(cfg.Paths.SessionsRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "narrate: %v\n", err)
		return narrative.ExitConfig
	}
	runner := narrative.New(session.NewManager(store), cfg.Narrative)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx, *sessionID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "narrate: interrompido")
			return narrative.ExitInternal
		}
		fmt.Fprintf(os.Stderr, "narrate: %v\n", err)
		return narrative.ExitCode(err)
	}

	fmt.Printf("sessão %s: %d transcrições consolidadas, %d artefato(s) em %s (%.1fs)\n",
		res.SessionID, res.Transcripts, len(res.Outputs), res.OutputDir, res.Elapsed.Seconds())
	return narrative.ExitSuccess
}

func newLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
