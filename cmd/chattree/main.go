package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/comigor/chattree/internal/catalog"
	"github.com/comigor/chattree/internal/config"
	"github.com/comigor/chattree/internal/conversation"
	"github.com/comigor/chattree/internal/llm"
	"github.com/comigor/chattree/internal/logger"
	"github.com/comigor/chattree/internal/stream"
	"github.com/comigor/chattree/pkg/tools"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "chattree",
	Short:   "Branching chat conversations over an OpenAI-compatible model",
	Version: version,
	PersistentPreRun: func(*cobra.Command, []string) {
		_ = godotenv.Load(".env")
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd, mcpCmd, showCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// backend is everything a command needs to work on conversations.
type backend struct {
	svc     *conversation.Service
	streams *stream.Controller
	catalog *catalog.Catalog
}

func newBackend(cfg *config.Config) (*backend, error) {
	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	cat, err := catalog.Open(cfg.Storage.CatalogPath)
	if err != nil {
		return nil, err
	}

	streams := stream.NewController(llm.NewTransport(llm.NewClient(cfg.LLM), cfg.LLM))
	svc := conversation.NewService(conversation.Options{
		Dir:     cfg.Storage.Dir,
		Model:   cfg.LLM.Model,
		Streams: streams,
		Catalog: cat,
	})
	return &backend{svc: svc, streams: streams, catalog: cat}, nil
}

// close cancels running replies, which persists them as failed, then closes
// the catalog.
func (b *backend) close(ctx context.Context) {
	if err := b.streams.Shutdown(ctx); err != nil {
		logger.L.Warn("stream shutdown incomplete", "error", err)
	}
	if err := b.catalog.Close(); err != nil {
		logger.L.Warn("catalog close failed", "error", err)
	}
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve conversation tools over MCP stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logger.SetLevel(cfg.Log.Level)

		b, err := newBackend(cfg)
		if err != nil {
			return err
		}
		defer b.close(context.Background())

		m := tools.NewToolManager()
		tools.RegisterConversationTools(m, b.svc)
		logger.L.Info("serving mcp over stdio", "tools", len(m.List()))
		return tools.ServeStdio(tools.NewMCPServer(m, "chattree", version))
	},
}

var showCmd = &cobra.Command{
	Use:   "show <conversation>",
	Short: "Print the selected path of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logger.SetLevel(cfg.Log.Level)

		b, err := newBackend(cfg)
		if err != nil {
			return err
		}
		defer b.close(context.Background())

		path, err := b.svc.ResolvePath(cmd.Context(), args[0], nil)
		if err != nil {
			return err
		}

		points := make(map[string]string, len(path.BranchPoints))
		for _, bp := range path.BranchPoints {
			points[bp.ParentID] = fmt.Sprintf(" (%d/%d)", bp.Index+1, bp.Count)
		}
		out := cmd.OutOrStdout()
		for _, m := range path.Messages {
			status := ""
			if m.Error != "" {
				status = " [" + string(m.Status) + ": " + m.Error + "]"
			}
			fmt.Fprintf(out, "%s%s%s\n", m.Role, points[m.ParentID], status)
			for _, line := range strings.Split(m.Content, "\n") {
				fmt.Fprintf(out, "  %s\n", line)
			}
		}
		return nil
	},
}
