package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/OmChillure/memochat/internal/client"
	"github.com/charmbracelet/glamour"
	"github.com/peterh/liner"
)

const helpText = `Commands:
  /new                 start a new conversation
  /list                list your conversations
  /open <n|id>         open a conversation from /list
  /edit <n> <text>     edit message n and regenerate the reply
  /regen <n>           regenerate from message n
  /delete <n>          delete message n
  /attach <path>       attach a file to the next message
  /quit                exit`

func main() {
	var (
		server  = flag.String("server", envOr("MEMOCHAT_SERVER", "http://localhost:8080"), "memochat server URL")
		token   = flag.String("token", os.Getenv("MEMOCHAT_TOKEN"), "bearer token issued by memochat-server -issue-token")
		model   = flag.String("model", "", "model to request, the server default when empty")
		live    = flag.Bool("live", false, "print replies as they stream instead of rendering them once finished")
		verbose = flag.Bool("v", false, "log debug output to stderr")
	)
	flag.Parse()

	if *token == "" {
		log.Fatal("a token is required: pass -token or set MEMOCHAT_TOKEN")
	}

	var logOut io.Writer = io.Discard
	if *verbose {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		logger.Warn("Markdown rendering disabled", slog.String("error", err.Error()))
		renderer = nil
	}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	historyFile := historyPath()
	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}

	s := newSession(client.New(*server, *token, logger), *model, renderer, *live, os.Stdout, logger)
	defer s.close()

	fmt.Fprintln(os.Stdout, "memochat, type /help for commands")
	for {
		input, err := line.Prompt(s.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}
			log.Printf("Failed to read input: %v", err)
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if quit := s.handle(input); quit {
			break
		}
	}

	if f, err := os.OpenFile(historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
		_, _ = line.WriteHistory(f)
		f.Close()
	}
	line.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func historyPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, "memochat")
	_ = os.MkdirAll(dir, 0755)
	return filepath.Join(dir, "chat_history")
}
