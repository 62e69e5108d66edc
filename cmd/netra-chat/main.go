// Netra chat CLI: interactive terminal client for the Netra agent backend.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/netra-labs/netra-go/internal/auth"
	"github.com/netra-labs/netra-go/internal/chat"
	"github.com/netra-labs/netra-go/internal/config"
	"github.com/netra-labs/netra-go/internal/reconcile"
	"github.com/netra-labs/netra-go/internal/socket"
	"github.com/netra-labs/netra-go/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	store, err := token.NewSQLite(cfg.TokenDBPath)
	if err != nil {
		slog.Error("Failed to open token store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close token store", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authSess := auth.NewSession(cfg.BaseURL, store, cfg.Auth, logger)

	if authSess.Token() == "" || authSess.LoggedOut() {
		email := os.Getenv("NETRA_EMAIL")
		if email == "" {
			email = "dev@netra.local"
		}
		if _, err := authSess.Login(ctx, email); err != nil {
			slog.Error("Login failed", "error", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "logged in as %s\n", email)
	}

	wsURL := cfg.WSURL
	if wsURL == "" {
		backend, err := authSess.FetchConfig(ctx)
		if err != nil {
			slog.Error("Failed to fetch backend config", "error", err)
			os.Exit(1)
		}
		wsURL = backend.WSURL
	}

	tokens := func(ctx context.Context) (string, error) {
		tok := authSess.Token()
		if authSess.NeedsRefresh(tok) {
			return authSess.Refresh(ctx)
		}
		return tok, nil
	}

	conn := socket.NewConnection(wsURL, tokens, nil, cfg.Socket, logger)
	rec := reconcile.New(cfg.Chat.ReconcileTimeout, cfg.Chat.ReconcileMaxRetries, logger)
	session := chat.NewSession(authSess, conn, rec, cfg.Chat, logger)

	if err := session.Start(ctx); err != nil {
		slog.Error("Failed to start chat session", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	go renderLoop(ctx, session)

	fmt.Fprintln(os.Stderr, "connected; type a message, or /stats, /clear, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/stats":
			st := session.Stats()
			fmt.Fprintf(os.Stderr, "sent=%d confirmed=%d failed=%d timeout=%d pending=%d avg=%s\n",
				st.TotalOptimistic, st.TotalConfirmed, st.TotalFailed, st.TotalTimeout,
				st.CurrentPendingCount, st.AverageReconcileTime)
		case line == "/clear":
			session.ClearMessages()
		default:
			if _, err := session.SendMessage(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// renderLoop prints conversation entries as they arrive.
func renderLoop(ctx context.Context, session *chat.Session) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	printed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs := session.Messages()
			for ; printed < len(msgs); printed++ {
				m := msgs[printed]
				marker := ""
				if m.Pending {
					marker = " (pending)"
				}
				fmt.Printf("[%s]%s %s\n", m.Role, marker, m.Content)
			}
		}
	}
}
