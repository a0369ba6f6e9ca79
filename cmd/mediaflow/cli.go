package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/rendis/mediaflow/internal/api"
	"github.com/rendis/mediaflow/internal/logging"
	"github.com/rendis/mediaflow/internal/pipeline"
	"github.com/rendis/mediaflow/pkg/mcp"
)

// Globals are flags shared by every command. Empty values leave the
// loaded configuration untouched.
type Globals struct {
	Settings  string `help:"Path to settings.json." type:"path" env:"MEDIAFLOW_SETTINGS"`
	DBPath    string `help:"Database file, or \"memory\" for the in-memory store." name:"db-path"`
	LogLevel  string `help:"Log level (debug|info|warn|error)."`
	LogFormat string `help:"Log format (text|json)."`

	out io.Writer
}

// CLI is the kong command tree.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Run the engine, scheduler and HTTP API."`
	MCP     MCPCmd     `cmd:"" name:"mcp" help:"Run the engine behind an MCP server (stdio by default)."`
	Send    SendCmd    `cmd:"" help:"Send an event to a running server."`
	Status  StatusCmd  `cmd:"" help:"Show an invocation from a running server."`
	Channel ChannelCmd `cmd:"" help:"Manage swept channels."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

// config resolves the layered configuration for g.
func (g *Globals) config() (Config, error) {
	path := g.Settings
	if path == "" {
		path = settingsPath()
	}
	cfg, err := loadConfig(path, os.Getenv)
	if err != nil {
		return cfg, err
	}
	g.apply(&cfg)
	return cfg, nil
}

// apply layers non-empty flags over cfg.
func (g *Globals) apply(cfg *Config) {
	if g.DBPath != "" {
		cfg.DBPath = g.DBPath
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.LogFormat = g.LogFormat
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ServeCmd runs the full server.
type ServeCmd struct {
	Listen string `help:"HTTP listen address." placeholder:"ADDR"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.ListenAddr = c.Listen
	}

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, level, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()
	if err := a.start(ctx); err != nil {
		return err
	}

	go watchReload(ctx, g, cfg, level, logger)

	srv := api.NewServer(api.Deps{
		Sender: a.client,
		Engine: a.engine,
		Store:  a.store,
		Hub:    a.hub,
		Logger: logger.With("component", "api"),
	})
	return srv.ListenAndServe(ctx, cfg.ListenAddr)
}

// watchReload re-reads the configuration on SIGHUP. The log level applies
// immediately; other changes are reported as needing a restart.
func watchReload(ctx context.Context, g *Globals, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next, err := g.config()
		if err != nil {
			logger.Error("config reload failed", "error", err)
			continue
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", "level", next.LogLevel)
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("config changes require restart", "fields", d.RestartNeeded)
		}
		current.LogLevel = next.LogLevel
	}
}

// MCPCmd runs the engine in-process behind the MCP tool surface.
type MCPCmd struct {
	SSE     string `help:"Serve MCP over SSE on this address instead of stdio." name:"sse" placeholder:"ADDR"`
	BaseURL string `help:"Public base URL for the SSE transport." name:"base-url"`
}

func (c *MCPCmd) Run(g *Globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	// stdout carries the stdio transport.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()
	if err := a.start(ctx); err != nil {
		return err
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Sender: a.client,
		Engine: a.engine,
		Store:  a.store,
		Hub:    a.hub,
		Logger: logger.With("component", "mcp"),
	})
	if c.SSE == "" {
		return srv.Serve(ctx)
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost" + c.SSE
	}
	return srv.ServeSSE(ctx, c.SSE, baseURL)
}

// SendCmd posts one event to a running server.
type SendCmd struct {
	Name   string `arg:"" help:"Event name."`
	Data   string `help:"Event data as a JSON document." default:"{}"`
	ID     string `help:"Event ID (generated when empty)." name:"id"`
	Server string `help:"Server base URL." default:"http://localhost:4200" env:"MEDIAFLOW_SERVER"`
}

func (c *SendCmd) Run(g *Globals) error {
	if !json.Valid([]byte(c.Data)) {
		return fmt.Errorf("--data is not valid JSON")
	}
	ctx, cancel := signalContext()
	defer cancel()

	receipt, err := newAPIClient(c.Server).send(ctx, c.ID, c.Name, json.RawMessage(c.Data))
	if err != nil {
		return err
	}
	return printJSON(g.out, receipt)
}

// StatusCmd prints an invocation with its steps, or its step diagram.
type StatusCmd struct {
	ID      string `arg:"" help:"Invocation ID."`
	Log     bool   `help:"Include the lifecycle log."`
	Diagram string `help:"Print the step flow as mermaid or ascii instead of JSON." enum:"none,mermaid,ascii" default:"none"`
	Server  string `help:"Server base URL." default:"http://localhost:4200" env:"MEDIAFLOW_SERVER"`
}

func (c *StatusCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	client := newAPIClient(c.Server)
	if c.Diagram != "none" {
		text, err := client.diagram(ctx, c.ID, c.Diagram)
		if err != nil {
			return err
		}
		_, err = io.WriteString(g.out, text)
		return err
	}

	out := map[string]any{}
	inv, err := client.invocation(ctx, c.ID)
	if err != nil {
		return err
	}
	out["invocation"] = inv
	if c.Log {
		entries, err := client.log(ctx, c.ID)
		if err != nil {
			return err
		}
		out["log"] = entries
	}
	return printJSON(g.out, out)
}

// ChannelCmd groups channel management. It writes to the local database.
type ChannelCmd struct {
	Add  ChannelAddCmd  `cmd:"" help:"Subscribe a channel for sweeping."`
	List ChannelListCmd `cmd:"" help:"List active channels."`
}

// ChannelAddCmd subscribes a channel.
type ChannelAddCmd struct {
	ID             string `arg:"" help:"Channel ID."`
	Title          string `help:"Display title."`
	PodcastTrackID string `help:"Podcast feed to sweep for episodes." name:"podcast-track-id"`
}

func (c *ChannelAddCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	return withRecords(ctx, g, func(r pipeline.Records) error {
		if err := r.AddChannel(ctx, &pipeline.Channel{ID: c.ID, Title: c.Title, PodcastTrackID: c.PodcastTrackID, Active: true}); err != nil {
			return err
		}
		_, err := fmt.Fprintf(g.out, "channel %s added\n", c.ID)
		return err
	})
}

// ChannelListCmd lists active channels.
type ChannelListCmd struct{}

func (c *ChannelListCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	return withRecords(ctx, g, func(r pipeline.Records) error {
		chs, err := r.ListChannels(ctx)
		if err != nil {
			return err
		}
		return printJSON(g.out, chs)
	})
}

func withRecords(ctx context.Context, g *Globals, fn func(pipeline.Records) error) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	if cfg.DBPath == memoryDB {
		return fmt.Errorf("channel commands need a database file, not %q", memoryDB)
	}
	s, records, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(records)
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintln(g.out, version)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newParser builds the kong parser for cli, writing command output to out.
func newParser(cli *CLI, out io.Writer, options ...kong.Option) (*kong.Kong, error) {
	cli.out = out
	opts := []kong.Option{
		kong.Name("mediaflow"),
		kong.Description("Durable step-based job engine for media processing pipelines."),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
		kong.Writers(out, os.Stderr),
	}
	return kong.New(cli, append(opts, options...)...)
}
