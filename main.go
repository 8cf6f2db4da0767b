// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Corsie is a provider-backed chat client. This entry point is a minimal
// line-oriented driver over the session core: it creates, lists and switches
// sessions, streams assistant replies and exports transcripts.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/corsie-chat/corsie/internal/config"
	"github.com/corsie-chat/corsie/internal/export"
	"github.com/corsie-chat/corsie/internal/provider"
	"github.com/corsie-chat/corsie/internal/security"
	"github.com/corsie-chat/corsie/internal/session"
	"github.com/corsie-chat/corsie/internal/store"
	"github.com/corsie-chat/corsie/internal/stream"
)

func main() {
	log.SetFlags(0)
	log.SetOutput(os.Stderr)

	dataDir := flag.String("data", "", "data directory (default ~/.corsie)")
	flag.Parse()

	if err := run(*dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "corsie: %v\n", err)
		os.Exit(1)
	}
}

func run(dataDir string) error {
	var err error
	if dataDir == "" {
		dataDir, err = config.DefaultDataDir()
		if err != nil {
			return err
		}
	} else if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	keeper, err := security.NewKeeper(config.KeyPath(dataDir))
	if err != nil {
		return err
	}

	cfgPath := config.ConfigPath(dataDir)
	cfg, err := config.Load(cfgPath, keeper)
	if err != nil {
		return err
	}
	// First run: write the defaults so the user has a file to edit.
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		if err := config.Save(cfg, cfgPath, keeper); err != nil {
			return err
		}
	}

	st, err := store.Open(config.DBPath(dataDir))
	if err != nil {
		return err
	}
	defer st.Close()

	mgr := session.NewManager(st, stream.New(stream.Options{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
	}), managerConfig(cfg))
	mgr.SetProvider(buildProvider(cfg))
	if err := mgr.Load(); err != nil {
		return err
	}
	defer mgr.Close()

	// Hot reload: edits to config.toml take effect without restarting.
	watcher, err := config.Watch(cfgPath, keeper, func(next *config.Config) {
		mgr.SetConfig(managerConfig(next))
		mgr.SetProvider(buildProvider(next))
		fmt.Println("\n[config reloaded]")
	})
	if err != nil {
		log.Printf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	repl{mgr: mgr, cfg: cfg}.loop()
	return nil
}

// managerConfig maps the file config onto the session manager's view of it.
func managerConfig(cfg *config.Config) session.Config {
	return session.Config{
		DefaultModel: cfg.ActiveProvider().Model,
		SystemPrompt: cfg.Chat.SystemPrompt,
		AutoSave:     cfg.General.AutoSave,
		AutoRename:   cfg.General.AutoRename,
		Temperature:  cfg.Chat.Temperature,
		MaxTokens:    cfg.Chat.MaxTokens,
		Stream:       cfg.Chat.Stream,
	}
}

// buildProvider constructs the active provider adapter from config.
func buildProvider(cfg *config.Config) provider.Provider {
	pc := cfg.ActiveProvider()
	timeout := time.Duration(pc.TimeoutSeconds) * time.Second
	switch cfg.General.Provider {
	case config.ProviderOpenRouter:
		return provider.NewOpenRouter(pc.APIKey, pc.BaseURL, timeout)
	default:
		return provider.NewDeepSeek(pc.APIKey, pc.BaseURL, timeout)
	}
}

// =============================================================================
// REPL
// =============================================================================

type repl struct {
	mgr *session.Manager
	cfg *config.Config
}

func (r repl) loop() {
	fmt.Println("corsie - type a message, /help for commands")
	r.printActive()

	// Ctrl-C cancels the in-flight turn instead of killing the process.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigs {
			if sess, err := r.mgr.Active(); err == nil {
				r.mgr.Cancel(sess.ID)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if r.command(line) {
				return
			}
			continue
		}
		r.send(line)
	}
}

// command dispatches a slash command; returns true to exit.
func (r repl) command(line string) bool {
	parts := strings.SplitN(line, " ", 2)
	cmd, arg := parts[0], ""
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printHelp()
	case "/new":
		sess, err := r.mgr.CreateSession(arg)
		if err != nil {
			fmt.Println("error:", err)
			break
		}
		fmt.Println("created", sess.ID)
	case "/list":
		for i, meta := range r.mgr.List() {
			fmt.Printf("%2d. %s  %s  (%d messages, %s)\n",
				i+1, meta.ID, meta.Title, meta.MessageCount,
				meta.UpdatedAt.Format("2006-01-02 15:04"))
		}
	case "/switch":
		r.switchTo(arg)
	case "/rename":
		sess, err := r.mgr.Active()
		if err != nil {
			fmt.Println("error:", err)
			break
		}
		if err := r.mgr.Rename(sess.ID, arg); err != nil {
			fmt.Println("error:", err)
			break
		}
		fmt.Println("renamed")
	case "/delete":
		sess, err := r.mgr.Active()
		if err != nil {
			fmt.Println("error:", err)
			break
		}
		if err := r.mgr.Delete(sess.ID); err != nil {
			fmt.Println("error:", err)
			break
		}
		fmt.Println("deleted")
		r.printActive()
	case "/clear":
		sess, err := r.mgr.Active()
		if err != nil {
			fmt.Println("error:", err)
			break
		}
		if err := r.mgr.ClearMessages(sess.ID); err != nil {
			fmt.Println("error:", err)
		}
	case "/search":
		metas, err := r.mgr.Search(arg)
		if err != nil {
			fmt.Println("error:", err)
			break
		}
		if len(metas) == 0 {
			fmt.Println("no matches")
			break
		}
		for _, meta := range metas {
			fmt.Printf("  %s  %s\n", meta.ID, meta.Title)
		}
	case "/export":
		r.export(arg)
	case "/models":
		if p := r.mgr.Provider(); p != nil {
			for _, mi := range p.Models() {
				fmt.Printf("  %-40s %s (%d ctx)\n", mi.ID, mi.Name, mi.ContextSize)
			}
		}
	case "/stats":
		stats, err := r.mgr.Stats()
		if err != nil {
			fmt.Println("error:", err)
			break
		}
		fmt.Printf("%d sessions, %d messages, %d KB on disk\n",
			stats.SessionCount, stats.MessageCount, stats.DBSizeBytes/1024)
	case "/cancel":
		if sess, err := r.mgr.Active(); err == nil {
			r.mgr.Cancel(sess.ID)
		}
	default:
		fmt.Println("unknown command; /help for commands")
	}
	return false
}

func (r repl) switchTo(arg string) {
	if arg == "" {
		fmt.Println("usage: /switch <number or id>")
		return
	}
	metas := r.mgr.List()
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(metas) {
		arg = metas[n-1].ID
	}
	if err := r.mgr.SetActive(arg); err != nil {
		fmt.Println("error:", err)
		return
	}
	r.printActive()
}

func (r repl) export(path string) {
	sess, err := r.mgr.Active()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if path == "" {
		path = strings.ReplaceAll(strings.ToLower(sess.Title), " ", "-") + ".md"
	}
	opts := export.Options{IncludeMetadata: true}
	if err := export.ToFile(sess, path, opts); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("exported to", path)
}

// send runs one turn, printing deltas as they stream in.
func (r repl) send(content string) {
	sess, err := r.mgr.Active()
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	events, unsubscribe := r.mgr.Subscribe()
	defer unsubscribe()

	if err := r.mgr.SendMessage(context.Background(), sess.ID, content); err != nil {
		fmt.Println("error:", err)
		return
	}

	for ev := range events {
		if ev.SessionID != sess.ID {
			continue
		}
		switch ev.Type {
		case session.EventDelta:
			fmt.Print(ev.Content)
		case session.EventComplete:
			fmt.Println()
			return
		case session.EventCancelled:
			fmt.Println("\n[cancelled]")
			return
		case session.EventError:
			fmt.Printf("\n[error: %v]\n", ev.Err)
			return
		}
	}
}

func (r repl) printActive() {
	sess, err := r.mgr.Active()
	if err != nil {
		fmt.Println("no active session")
		return
	}
	fmt.Printf("[%s] %s (%s)\n", sess.ID, sess.Title, sess.Model)
}

func (r repl) printHelp() {
	fmt.Print(`commands:
  /new [model]      create a session (optionally with a specific model)
  /list             list sessions
  /switch <n|id>    switch session
  /rename <title>   rename active session
  /delete           delete active session
  /clear            clear active session history
  /search <text>    search sessions
  /export [file]    export active session to Markdown
  /models           list known models for the active provider
  /stats            show store statistics
  /cancel           cancel the in-flight reply (also Ctrl-C)
  /quit             exit
`)
}
