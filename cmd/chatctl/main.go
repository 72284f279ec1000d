// chatctl is a terminal client for the chat relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/streamchat/internal/client"
	"github.com/ashureev/streamchat/internal/controller"
	"github.com/joho/godotenv"
	"golang.org/x/term"
)

func main() {
	_ = godotenv.Load()

	defaultURL := os.Getenv("STREAMCHAT_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	serverURL := flag.String("server", defaultURL, "relay server base URL")
	plain := flag.Bool("plain", false, "disable markdown rendering of replies")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := controller.New(client.New(*serverURL, nil))
	r := newREPL(ctrl, os.Stdin, os.Stdout)
	if !*plain && term.IsTerminal(int(os.Stdout.Fd())) {
		r.render = newMarkdownRenderer()
	}

	if err := r.run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "chatctl:", err)
		os.Exit(1)
	}
}
