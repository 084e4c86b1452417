// Command modelgate serves the model loader over HTTP and provides a
// client that displays its status.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/deixis/modelgate"
	"github.com/deixis/modelgate/internal/config"
	"github.com/deixis/modelgate/internal/loader"
	mgmcp "github.com/deixis/modelgate/internal/mcp"
	"github.com/deixis/modelgate/internal/report"
	"github.com/deixis/modelgate/internal/runner"
	"github.com/deixis/modelgate/internal/server"
	"github.com/deixis/modelgate/internal/widget"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = serveMain(args)
	case "status":
		err = statusMain(args)
	case "run":
		err = runMain(args)
	case "mcp":
		err = mcpMain(args)
	case "version":
		fmt.Println(modelgate.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "modelgate: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		if !errors.Is(err, errLoadFailed) {
			fmt.Fprintf(os.Stderr, "modelgate: %v\n", err)
		}
		os.Exit(1)
	}
}

// errLoadFailed reports a loader failure that the command has already
// printed.
var errLoadFailed = errors.New("model load failed")

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: modelgate <command> [flags]

Commands:
  serve       Serve the loader endpoint over HTTP
  status      Request the loader endpoint once and print the status
  run         Run the loader once locally and print the run record
  mcp         Start the MCP server on stdio
  version     Print the version
  help        Show this help

Use "modelgate <command> -h" for command-specific flags.`)
}

// --- serve ---

func serveMain(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (overrides config)")
	timeout := fs.Duration("timeout", 0, "override configured loader timeout (e.g. 30s)")
	withMCP := fs.Bool("mcp", false, "also serve MCP over streamable HTTP on /mcp")
	verbose := fs.Bool("v", false, "debug logging")
	_ = fs.Parse(args)

	log, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := newEnv(*timeout, log)
	if err != nil {
		return err
	}

	listen := env.cfg.Addr()
	if *addr != "" {
		listen = *addr
	}

	opts := server.Options{
		Route:  env.cfg.Route(),
		Runs:   env.store,
		Logger: log,
	}
	if *withMCP {
		mcpServer := mgmcp.NewServer(env.engine, env.store)
		opts.MCP = mcpsdk.NewStreamableHTTPHandler(
			func(_ *http.Request) *mcpsdk.Server { return mcpServer },
			nil,
		)
	}

	log.Info("serving loader",
		zap.String("route", opts.Route),
		zap.Strings("command", env.cfg.Argv()),
		zap.Duration("timeout", env.runner.Timeout))

	srv := &server.Server{
		Addr:    listen,
		Handler: server.NewHandler(env.engine, opts),
		Logger:  log,
	}
	return srv.Run(ctx)
}

// --- status ---

func statusMain(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	url := fs.String("url", "", "base URL of a running server (default: derived from the configured addr)")
	route := fs.String("route", "", "endpoint path (default: configured route)")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 waits for the server)")
	verbose := fs.Bool("v", false, "log the request outcome")
	_ = fs.Parse(args)

	log := zap.NewNop()
	if *verbose {
		var err error
		if log, err = newLogger(true); err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
	}

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining workspace: %w", err)
	}
	loaded, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	base := *url
	if base == "" {
		base = baseURL(loaded.Config.Addr())
	}
	path := *route
	if path == "" {
		path = loaded.Config.Route()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	w := widget.New(&widget.Client{BaseURL: base, Route: path}, widget.WithLogger(log))
	w.Mount(ctx)
	select {
	case <-w.Done():
	case <-ctx.Done():
		w.Unmount()
		return fmt.Errorf("status request abandoned: %w", ctx.Err())
	}

	fmt.Println(w.Text())
	if w.State() != widget.Displayed || w.Text() == widget.ErrorText {
		return errLoadFailed
	}
	return nil
}

// --- run ---

func runMain(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "output the run record as JSON")
	timeout := fs.Duration("timeout", 0, "override configured loader timeout (e.g. 30s)")
	verbose := fs.Bool("v", false, "debug logging")
	_ = fs.Parse(args)

	log := zap.NewNop()
	if *verbose {
		var err error
		if log, err = newLogger(true); err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := newEnv(*timeout, log)
	if err != nil {
		return err
	}

	rec := env.engine.Record(ctx)

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return err
		}
	} else {
		fmt.Print(report.Format(rec))
	}

	if !rec.OK() {
		return errLoadFailed
	}
	return nil
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	_ = fs.Parse(args)

	if *instructions {
		fmt.Print(mgmcp.Instructions)
		return nil
	}

	// stdout carries the protocol; keep logs on stderr.
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	log, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := newEnv(0, log)
	if err != nil {
		return err
	}

	return mgmcp.NewServer(env.engine, env.store).Run(ctx, &mcpsdk.StdioTransport{})
}

// --- shared ---

// env is the wiring shared by the commands that execute the loader.
type env struct {
	cfg    *config.Config
	runner *runner.Runner
	store  *report.LRUStore
	engine *loader.Engine
}

func newEnv(timeoutOverride time.Duration, log *zap.Logger) (*env, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determining workspace: %w", err)
	}

	loaded, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := loaded.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	timeout := cfg.Timeout()
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}

	r := &runner.Runner{
		Workspace: loaded.Root,
		Timeout:   timeout,
		MaxOutput: cfg.MaxOutputBytes(),
	}

	resultsDir := cfg.ResultsDir
	if resultsDir != "" && !filepath.IsAbs(resultsDir) {
		resultsDir = filepath.Join(loaded.Root, resultsDir)
	}
	store := report.NewLRUStore(cfg.HistorySize(), report.NewDiskStore(resultsDir))

	return &env{
		cfg:    cfg,
		runner: r,
		store:  store,
		engine: &loader.Engine{
			Config: cfg,
			Runner: r,
			Store:  store,
			Logger: log,
		},
	}, nil
}

// baseURL turns a listen address into a URL a local client can dial.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return log, nil
}
