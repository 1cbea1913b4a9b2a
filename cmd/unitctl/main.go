package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"unithost/internal/cli/command"
	"unithost/internal/cli/config"
	httpclient "unithost/internal/cli/http"
	"unithost/internal/cli/repl"
	"unithost/internal/cli/state"
)

const defaultConfigPath = "configs/unitctl.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	userID := flag.String("user", "", "Override requester user id")
	statePath := flag.String("state", "", "Override session state path")
	raw := flag.Bool("raw", false, "Print response bodies as received")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *statePath != "" {
		cfg.StatePath = *statePath
	}
	session, err := state.Load(cfg.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load session state failed: %v\n", err)
		os.Exit(1)
	}

	// flags beat saved session values, which beat the config file
	base := firstNonEmpty(*baseURL, session.BaseURL, cfg.BaseURL)
	user := firstNonEmpty(*userID, session.UserID, cfg.UserID)
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	pretty := *cfg.PrettyJSON && !*raw

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := httpclient.New(base, cfg.Timeout, user)
	sess := repl.New(client, command.Registry(), cfg.StatePath, pretty, os.Stdin, os.Stdout)

	// one-shot mode: unitctl job start bot.py
	if args := flag.Args(); len(args) > 0 {
		if err := sess.Exec(ctx, quoteArgs(args)); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	sess.Run(ctx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t'\"\\") {
			a = "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
