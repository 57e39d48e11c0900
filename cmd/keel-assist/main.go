// Keel Assist is the conversational data assistant for the Keel
// platform. It answers questions about a firm's clients, tasks, and
// invoices through a model gateway, scoped to what the asking user is
// allowed to see.
//
// Usage:
//
//	keel-assist serve              Start the API server
//	keel-assist ask <question>     Ask a single question as a chosen user
//	keel-assist seed               Load demo directory data
//	keel-assist version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/keelhq/keel-assist/internal/agent"
	"github.com/keelhq/keel-assist/internal/api"
	"github.com/keelhq/keel-assist/internal/buildinfo"
	"github.com/keelhq/keel-assist/internal/channel"
	"github.com/keelhq/keel-assist/internal/config"
	"github.com/keelhq/keel-assist/internal/directory"
	"github.com/keelhq/keel-assist/internal/llm"
	"github.com/keelhq/keel-assist/internal/scope"
	"github.com/keelhq/keel-assist/internal/tools"
	"github.com/keelhq/keel-assist/internal/usage"
)

// main constructs the OS-level environment and delegates to run so the
// full lifecycle stays testable.
func main() {
	ctx := context.Background()

	// Optional .env for local development; silence is fine when absent.
	_ = godotenv.Load()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on global
// state that interferes with calling run concurrently from tests, and
// the argument surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var asUser string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-as" && i+1 < len(args):
			asUser = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-as="):
			asUser = strings.TrimPrefix(args[i], "-as=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: keel-assist ask [-as <user-id>] <question>")
		}
		return runAsk(ctx, stdout, configPath, asUser, strings.Join(cmdArgs, " "))
	case "seed":
		return runSeed(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Keel Assist - conversational data assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: keel-assist [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (smoke testing)")
	fmt.Fprintln(w, "  seed         Load demo directory data")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -as <user-id>    Principal for ask (default: first owner in directory)")
	return nil
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(buildinfo.Info())
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit == "" {
			// No file anywhere is fine; defaults carry local dev.
			return config.Default(), nil
		}
		return nil, err
	}
	return config.Load(path)
}

// assistant bundles the wired stores and orchestrator.
type assistant struct {
	dir     *directory.Store
	channel *channel.Store
	usage   *usage.Store
	orch    *agent.Orchestrator
}

func (a *assistant) Close() {
	a.usage.Close()
	a.channel.Close()
	a.dir.Close()
}

func buildAssistant(cfg *config.Config, logger *slog.Logger) (*assistant, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dir, err := directory.NewStore(cfg.DirectoryDB())
	if err != nil {
		return nil, err
	}
	ch, err := channel.NewStore(cfg.ChannelDB())
	if err != nil {
		dir.Close()
		return nil, err
	}
	us, err := usage.NewStore(cfg.UsageDB())
	if err != nil {
		ch.Close()
		dir.Close()
		return nil, err
	}

	var client llm.Client
	if cfg.Gateway.Configured() {
		client = llm.NewGatewayClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Model, logger)
	} else {
		logger.Warn("model gateway not configured; chat requests will fail")
	}

	resolver := scope.NewResolver(dir)
	orch := agent.NewOrchestrator(
		client,
		tools.NewRegistry(dir, resolver, logger),
		resolver,
		agent.NewComposer(dir, cfg.Assistant.SnapshotCap),
		ch,
		us,
		logger,
		cfg.Assistant.MaxIterations,
		cfg.Assistant.HistoryLimit,
	)

	return &assistant{dir: dir, channel: ch, usage: us, orch: orch}, nil
}

// runServe is the primary operating mode: open databases, wire the
// orchestrator, serve HTTP until SIGINT/SIGTERM, then drain.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		parsed, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		level = parsed
	}
	logger := newLogger(stdout, level)
	logger.Info("starting keel-assist",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	a, err := buildAssistant(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(logger, a.dir, a.orch, a.channel, a.usage)

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     server.Routes(),
		ReadTimeout: 30 * time.Second,
		// No write timeout; SSE streams manage their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runAsk boots the assistant and processes one question as the given
// principal with continuity disabled. Useful for smoke tests without
// the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath, asUser, question string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, slog.LevelWarn)

	a, err := buildAssistant(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if asUser == "" {
		return fmt.Errorf("ask requires -as <user-id>")
	}
	principal, err := a.dir.GetUser(ctx, asUser)
	if err != nil {
		return fmt.Errorf("unknown user %q: %w", asUser, err)
	}

	resp, err := a.orch.Run(ctx, agent.Request{
		Principal: principal,
		Message:   question,
	}, func(e agent.StreamEvent) {
		if e.Kind == agent.KindToken {
			fmt.Fprint(stdout, e.Token)
		}
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "[status=%s iterations=%d tools=%d]\n",
		resp.Status, resp.Iterations, len(resp.Invocations))
	return nil
}

// runSeed loads a small demo firm so ask and serve have data to work
// with out of the box.
func runSeed(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	dir, err := directory.NewStore(cfg.DirectoryDB())
	if err != nil {
		return err
	}
	defer dir.Close()

	ownerID, err := dir.InsertUser(ctx, directory.Principal{Name: "Olivia Owner", Role: directory.RoleOwner, FirmID: "firm-demo"})
	if err != nil {
		return fmt.Errorf("seed owner: %w", err)
	}
	empID, _ := dir.InsertUser(ctx, directory.Principal{Name: "Evan Employee", Role: directory.RoleEmployee, FirmID: "firm-demo"})

	acmeID, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-demo", Name: "Acme Consulting", CreatedBy: ownerID}, "")
	globexID, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-demo", Name: "Globex Partners", CreatedBy: ownerID}, "")

	auditID, _ := dir.InsertTask(ctx, directory.Task{
		FirmID: "firm-demo", ClientID: acmeID, Title: "Quarterly audit",
		AssigneeID: empID, AssignerID: ownerID,
	})
	dir.InsertTask(ctx, directory.Task{
		FirmID: "firm-demo", ClientID: globexID, Title: "Tax filing",
		AssigneeID: ownerID,
	})

	dir.InsertInvoice(ctx, directory.Invoice{
		FirmID: "firm-demo", ClientID: acmeID, TaskID: auditID,
		Number: "INV-2026-0001", Status: "sent", AmountCents: 250000, CreatedBy: ownerID,
	})
	dir.InsertInvoice(ctx, directory.Invoice{
		FirmID: "firm-demo", ClientID: globexID,
		Number: "INV-2026-0002", Status: "paid", AmountCents: 480000, CreatedBy: ownerID,
	})

	fmt.Fprintf(stdout, "Seeded firm-demo: owner=%s employee=%s\n", ownerID, empID)
	return nil
}
