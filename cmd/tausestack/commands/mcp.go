// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"

	"github.com/tausestack/tausestack/cmd/tausestack/cli"
	"github.com/tausestack/tausestack/internal/node"
	"github.com/tausestack/tausestack/lib/mcp"
	"github.com/tausestack/tausestack/lib/tenant"
	"github.com/tausestack/tausestack/lib/version"
	"github.com/tausestack/tausestack/transport"
)

func mcpCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "mcp",
		Summary: "Serve or query the Model Context Protocol",
		Subcommands: []*cli.Command{
			serveCommand(),
			toolsCommand(stdout),
			callCommand(stdout),
		},
	}
}

func serveCommand() *cli.Command {
	var configPath, transportName, listen string
	return &cli.Command{
		Name:    "serve",
		Summary: "Run the MCP server",
		Description: `Run the MCP server with the memory and federation tools.

With the stdio transport the server speaks newline-delimited JSON-RPC
on stdin/stdout and is meant to be launched by an MCP client. The
websocket and sse transports listen on server.listen and also serve
the federation API and /metrics. Network sessions must present one of
server.tokens as a bearer token and are bound to that token's tenant.`,
		Usage: "tausestack mcp serve [--config <path>] [--transport stdio|websocket|sse] [--listen <addr>]",
		Examples: []cli.Example{
			{Description: "Serve over stdio using TAUSESTACK_CONFIG", Command: "tausestack mcp serve"},
			{Description: "Serve websockets on all interfaces", Command: "tausestack mcp serve --config tausestack.yaml --transport websocket --listen :8765"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $TAUSESTACK_CONFIG)")
			flagSet.StringVar(&transportName, "transport", "", "override server.transport")
			flagSet.StringVar(&listen, "listen", "", "override server.listen")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, _ *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if transportName != "" {
				cfg.Server.Transport = transportName
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			logger := cli.NewLogger(os.Stderr, cfg.Logging.SlogLevel(), cfg.Logging.Format).With(
				"component", "mcp",
				"environment", cfg.Environment,
			)
			n, err := node.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer n.Close()
			return n.Run(ctx)
		},
	}
}

// TokenEnvVar supplies --token when the flag is not given.
const TokenEnvVar = "TAUSESTACK_TOKEN"

// connectFlags are shared by the client commands.
type connectFlags struct {
	target   string
	token    string
	tenantID string
	headers  []string
	timeout  time.Duration
	json     bool
}

func (c *connectFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.target, "connect", "", "server to connect to: ws://, wss://, http(s)://.../sse, or exec:<command>")
	flagSet.StringVar(&c.token, "token", "", "bearer token for network servers (default $"+TokenEnvVar+")")
	flagSet.StringVarP(&c.tenantID, "tenant", "t", "", "tenant sent in the "+tenant.Header+" header; must match the token's tenant")
	flagSet.StringArrayVarP(&c.headers, "header", "H", nil, `extra request header "Name: value" (repeatable)`)
	flagSet.DurationVar(&c.timeout, "timeout", 30*time.Second, "overall time limit")
	flagSet.BoolVar(&c.json, "json", false, "output as JSON")
}

func (c *connectFlags) header() (http.Header, error) {
	header := http.Header{}
	token := c.token
	if token == "" {
		token = os.Getenv(TokenEnvVar)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if c.tenantID != "" {
		if err := tenant.Validate(tenant.ID(c.tenantID)); err != nil {
			return nil, err
		}
		header.Set(tenant.Header, c.tenantID)
	}
	for _, raw := range c.headers {
		name, value, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("malformed header %q, want \"Name: value\"", raw)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return header, nil
}

func (c *connectFlags) dial(ctx context.Context, logger *slog.Logger) (*mcpsdk.ClientSession, error) {
	if c.target == "" {
		return nil, errors.New("--connect is required")
	}
	header, err := c.header()
	if err != nil {
		return nil, err
	}
	clientTransport, err := transport.Dial(ctx, c.target, transport.DialOptions{Header: header, Stderr: os.Stderr})
	if err != nil {
		return nil, err
	}
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "tausestack-cli", Version: version.Short()},
		&mcpsdk.ClientOptions{
			LoggingMessageHandler: func(_ context.Context, request *mcpsdk.LoggingMessageRequest) {
				logger.Info("server log", "level", request.Params.Level, "logger", request.Params.Logger, "data", request.Params.Data)
			},
		},
	)
	return client.Connect(ctx, clientTransport, nil)
}

// resultText joins the text blocks of a tool result.
func resultText(result *mcpsdk.CallToolResult) string {
	var texts []string
	for _, block := range result.Content {
		if content, ok := block.(*mcpsdk.TextContent); ok {
			texts = append(texts, content.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func toolsCommand(stdout io.Writer) *cli.Command {
	var flags connectFlags
	return &cli.Command{
		Name:    "tools",
		Summary: "List the tools of an MCP server",
		Usage:   "tausestack mcp tools --connect <target> [flags]",
		Examples: []cli.Example{
			{Command: "TAUSESTACK_TOKEN=$ACME_TOKEN tausestack mcp tools --connect ws://localhost:8765/mcp"},
			{Command: "tausestack mcp tools --connect 'exec:tausestack mcp serve'"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("tools", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, _ []string, logger *slog.Logger) error {
			ctx, cancel := context.WithTimeout(ctx, flags.timeout)
			defer cancel()
			session, err := flags.dial(ctx, logger)
			if err != nil {
				return err
			}
			defer session.Close()

			var tools []*mcpsdk.Tool
			for tool, err := range session.Tools(ctx, nil) {
				if err != nil {
					return err
				}
				tools = append(tools, tool)
			}
			if flags.json {
				return cli.WriteJSON(stdout, tools)
			}
			tw := tabwriter.NewWriter(stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(tw, "NAME\tDESCRIPTION\n")
			for _, tool := range tools {
				fmt.Fprintf(tw, "%s\t%s\n", tool.Name, tool.Description)
			}
			return tw.Flush()
		},
	}
}

func callCommand(stdout io.Writer) *cli.Command {
	var (
		flags     connectFlags
		toolName  string
		arguments string
	)
	return &cli.Command{
		Name:    "call",
		Summary: "Call one tool on an MCP server",
		Description: `Call a tool and print its text result. A result flagged as an
error is printed too, and the command exits with status 1.`,
		Usage: "tausestack mcp call --connect <target> --tool <name> [--args <json>] [flags]",
		Examples: []cli.Example{{
			Description: "Store a memory for the planner agent",
			Command:     `tausestack mcp call --connect ws://localhost:8765/mcp --token "$ACME_TOKEN" --tool memory_store --args '{"agent":"planner","content":"ship on tuesday"}'`,
		}},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("call", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&toolName, "tool", "", "tool name")
			flagSet.StringVar(&arguments, "args", "{}", "tool arguments as a JSON object")
			return flagSet
		},
		Run: func(ctx context.Context, _ []string, logger *slog.Logger) error {
			if toolName == "" {
				return errors.New("--tool is required")
			}
			var object map[string]any
			if err := json.Unmarshal([]byte(arguments), &object); err != nil {
				return fmt.Errorf("--args must be a JSON object: %w", err)
			}

			ctx, cancel := context.WithTimeout(ctx, flags.timeout)
			defer cancel()
			session, err := flags.dial(ctx, logger)
			if err != nil {
				return err
			}
			defer session.Close()

			result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: json.RawMessage(arguments)})
			if err != nil {
				return err
			}
			if flags.json {
				if err := cli.WriteJSON(stdout, result); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(stdout, resultText(result))
			}
			if result.IsError {
				if info := mcp.ErrorInfoFromMeta(result.Meta); info != nil {
					logger.Warn("tool failed", "tool", toolName, "category", info.Category, "retryable", info.Retryable)
				}
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}
