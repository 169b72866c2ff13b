// Command ghauth runs the GitHub auth worker and its maintenance tasks.
//
// Usage:
//
//	ghauth [worker]                  consume login changes and publish events
//	ghauth jwks                      print the issuer's public keys
//	ghauth rotate-keys               promote the next signing key
//	ghauth webhook EVENT APP_ID      handle a GitHub App webhook read from stdin
//	ghauth gen-key                   print a new GHAUTH_ENCRYPTION_KEY
//
// Configuration is read from GHAUTH_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	ghauth "github.com/giantswarm/github-auth"
	"github.com/giantswarm/github-auth/security"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := run(os.Args[1:], logger); err != nil {
		logger.Error("ghauth failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, logger *slog.Logger) error {
	command := "worker"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	// gen-key runs before the configuration it helps to create
	if command == "gen-key" {
		return genKey(os.Stdout)
	}

	cfg, err := ghauth.LoadConfig()
	if err != nil {
		return err
	}
	cfg.Logger = logger

	srv, err := ghauth.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Close(ctx); err != nil {
			logger.Warn("Shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "worker":
		logger.Info("Starting worker")
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("Worker stopped")
		return nil

	case "jwks":
		jwks, err := srv.JWKS(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jwks)

	case "rotate-keys":
		pairs, err := srv.RotateKeys(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("current: %s\nnext: %s\n", pairs[0].KeyID(), pairs[1].KeyID())
		return nil

	case "webhook":
		if len(args) != 2 {
			return fmt.Errorf("usage: ghauth webhook EVENT APP_ID < body.json")
		}
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read webhook body: %w", err)
		}
		return srv.Installations.HandleWebhook(ctx, args[0], args[1], body)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func genKey(w io.Writer) error {
	key, err := security.GenerateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "GHAUTH_ENCRYPTION_KEY=%s\n", security.KeyToBase64(key))
	return err
}
