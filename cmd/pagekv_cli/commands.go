package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sushant-115/pagekv/config"
	"github.com/sushant-115/pagekv/core/kvstore"
	flushmanager "github.com/sushant-115/pagekv/core/write_engine/flush_manager"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errUsage = errors.New("usage")

type cli struct {
	store  *kvstore.Store
	cfg    config.Config
	tracer trace.Tracer
	logger *zap.Logger
	out    io.Writer
}

// report prints err and returns the exit code it calls for. Fatal storage
// errors end the session; anything else is shown and the CLI carries on.
func (c *cli) report(err error) int {
	if err == nil {
		return 0
	}
	if flushmanager.IsFatal(err) {
		c.logger.Error("fatal storage error", zap.Error(err))
		fmt.Fprintf(c.out, "Fatal: %v\n", err)
		return 1
	}
	fmt.Fprintf(c.out, "Error: %v\n", err)
	return 0
}

// processCommand runs one command, from the command line or the prompt.
func (c *cli) processCommand(args []string) (err error) {
	if len(args) == 0 {
		return fmt.Errorf("%w: no command provided", errUsage)
	}
	command := strings.ToLower(args[0])
	ctx, span := c.tracer.Start(context.Background(), "cli."+command)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch command {
	case "put":
		if len(args) < 3 {
			return fmt.Errorf("%w: put requires a key and a value", errUsage)
		}
		value := strings.Join(args[2:], " ")
		span.SetAttributes(attribute.Int("key.len", len(args[1])), attribute.Int("value.len", len(value)))
		if err := c.store.Insert([]byte(args[1]), []byte(value)); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "OK")
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("%w: get requires a key", errUsage)
		}
		value, ok, err := c.store.Get([]byte(args[1]))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(c.out, "(not found)")
			return nil
		}
		fmt.Fprintln(c.out, string(value))
	case "len":
		n, err := c.store.Len()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, n)
	case "stats":
		st, err := c.store.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "pool: %d slots, %d resident, %d pinned\n", st.PoolSize, st.ResidentPages, st.PinnedPages)
		fmt.Fprintf(c.out, "hits: %d misses: %d evictions: %d flushes: %d\n", st.Hits, st.Misses, st.Evictions, st.Flushes)
		fmt.Fprintf(c.out, "next page id: %d free ids: %d\n", st.NextPageID, st.FreePageIDs)
		fmt.Fprintf(c.out, "directory page: %d global depth: %d\n", st.RootPageID, st.GlobalDepth)
	case "checkpoint":
		if err := c.store.Checkpoint(); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "OK")
	case "backup":
		dst := c.cfg.DBPath + ".backup-" + uuid.NewString()[:8]
		if len(args) > 1 {
			dst = args[1]
		}
		sum, err := c.store.Backup(ctx, dst, c.cfg.BackupBytesPerSec)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "backup written to %s (sha256 %x)\n", dst, sum)
	case "help":
		fmt.Fprintln(c.out, "Commands:")
		fmt.Fprintln(c.out, "  put <key> <value>")
		fmt.Fprintln(c.out, "  get <key>")
		fmt.Fprintln(c.out, "  len")
		fmt.Fprintln(c.out, "  stats")
		fmt.Fprintln(c.out, "  checkpoint")
		fmt.Fprintln(c.out, "  backup [destination]")
		fmt.Fprintln(c.out, "  help")
		fmt.Fprintln(c.out, "  exit / quit")
	default:
		return fmt.Errorf("%w: unknown command %q, type 'help' for a list of commands", errUsage, args[0])
	}
	return nil
}
