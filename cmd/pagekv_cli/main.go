package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/pagekv/config"
	"github.com/sushant-115/pagekv/core/kvstore"
	"github.com/sushant-115/pagekv/pkg/logger"
	"github.com/sushant-115/pagekv/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	dbPath     = flag.String("db", "", "Path of the store file (overrides db_path from -config)")
	configPath = flag.String("config", "", "Optional YAML configuration file")
	poolSize   = flag.Int("pool", 0, "Buffer pool slots (overrides pool_size from -config)")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg = loaded
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *poolSize > 0 {
		cfg.PoolSize = *poolSize
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Error("failed to initialize telemetry", zap.Error(err))
		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			zlogger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	store, err := kvstore.Open(cfg.DBPath, kvstore.Options{
		PoolSize: cfg.PoolSize,
		Logger:   zlogger,
		Meter:    tel.Meter,
	})
	if err != nil {
		zlogger.Error("failed to open store", zap.String("path", cfg.DBPath), zap.Error(err))
		return 1
	}

	c := &cli{store: store, cfg: cfg, tracer: tel.Tracer, logger: zlogger, out: os.Stdout}
	var code int
	if args := flag.Args(); len(args) > 0 {
		code = c.report(c.processCommand(args))
	} else {
		code = c.interactive()
	}

	if err := store.Close(); err != nil {
		zlogger.Error("failed to close store", zap.Error(err))
		code = 1
	}
	return code
}

func (c *cli) interactive() int {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagekv> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		c.logger.Error("failed to start line editor", zap.Error(err))
		return 1
	}
	defer rl.Close()

	fmt.Fprintln(c.out, "pagekv CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return 0
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return 0
		}
		if err != nil {
			c.logger.Error("failed to read input", zap.Error(err))
			return 1
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if cmd := strings.ToLower(args[0]); cmd == "exit" || cmd == "quit" {
			fmt.Fprintln(c.out, "Exiting pagekv CLI.")
			return 0
		}
		if code := c.report(c.processCommand(args)); code != 0 {
			return code
		}
	}
}
