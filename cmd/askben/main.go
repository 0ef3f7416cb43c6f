// Package main provides the askben command-line client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/askben/askben/internal/client"
	"github.com/askben/askben/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "askben",
		Short: "askben - ask the article archive from the command line",
		Long: `askben talks to a running askben-server.

Examples:
  askben ask "What is aggregation theory?"
  askben ask --reasoning "Why do bundles win?"
  askben inspect "aggregation theory" --threshold 0.4
  askben eval add "What is a moat?" --category strategy
  askben eval run`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("server", "s", envOr("ASKBEN_SERVER", "http://localhost:8080"), "askben server URL")
	root.PersistentFlags().String("api-key", os.Getenv("ASKBEN_API_KEY"), "API key")
	root.PersistentFlags().String("format", "text", "output format (text, json)")
	root.PersistentFlags().Duration("timeout", 2*time.Minute, "request timeout")

	root.AddCommand(askCmd(), inspectCmd(), compareCmd(), statsCmd(), browseCmd(), healthCmd(), evalCmd(), versionCmd())
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("server")
	key, _ := cmd.Flags().GetString("api-key")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return client.New(client.Config{BaseURL: base, APIKey: key, Timeout: timeout})
}

func jsonOutput(cmd *cobra.Command) bool {
	f, _ := cmd.Flags().GetString("format")
	return f == "json"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// thresholdFlag returns the --threshold value when it was set.
func thresholdFlag(cmd *cobra.Command) *float64 {
	if !cmd.Flags().Changed("threshold") {
		return nil
	}
	t, _ := cmd.Flags().GetFloat64("threshold")
	return &t
}

func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			reasoning, _ := cmd.Flags().GetBool("reasoning")

			resp, err := newClient(cmd).Query(cmd.Context(), strings.Join(args, " "), client.QueryOptions{
				Limit:     limit,
				Threshold: thresholdFlag(cmd),
				Reasoning: reasoning,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, resp)
			}

			fmt.Fprintln(out, resp.Answer)
			fmt.Fprintf(out, "\nTier: %s (%s)\n", resp.RetrievalTier, resp.TierExplanation)
			for i, s := range resp.Sources {
				fmt.Fprintf(out, "  [%d] %s (%s) %.3f %s\n", i+1, s.Title, s.Date, s.Similarity, s.Type)
			}
			if len(resp.Citations) > 0 {
				fmt.Fprintln(out, "\nCitations:")
				for _, c := range resp.Citations {
					fmt.Fprintf(out, "  %-20s %s\n", c.Status, c.Marker)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "results per tier (server default when 0)")
	cmd.Flags().Float64("threshold", 0, "similarity threshold (server default when unset)")
	cmd.Flags().BoolP("reasoning", "r", false, "answer reasoning-first and verify citations")
	return cmd
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <query>",
		Short: "Show the routing decision and scored results without answering",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			resp, err := newClient(cmd).Inspect(cmd.Context(), strings.Join(args, " "), limit, thresholdFlag(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, resp)
			}

			d := resp.Decision
			fmt.Fprintf(out, "Tier: %s\n%s\n\n", d.TierUsed, d.Reasoning)
			fmt.Fprintf(out, "Distillations (%d/%d above threshold):\n", resp.DistillationsAboveThreshold, resp.DistillationCount)
			printItems(out, resp.Distillations)
			fmt.Fprintf(out, "\nChunks (%d/%d above threshold):\n", resp.ChunksAboveThreshold, resp.ChunkCount)
			printItems(out, resp.Chunks)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "results per tier (server default when 0)")
	cmd.Flags().Float64("threshold", 0, "similarity threshold (server default when unset)")
	return cmd
}

func printItems(out io.Writer, items []server.RetrievalItem) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, it := range items {
		mark := " "
		if it.AboveThreshold {
			mark = "*"
		}
		fmt.Fprintf(tw, "  %s\t%.3f\t%s\t%s\n", mark, it.Similarity, it.PublicationDate, it.Title)
	}
	_ = tw.Flush()
}

func compareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <article-id>",
		Short: "Show an article's distillation next to its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(cmd).Compare(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, resp)
			}

			fmt.Fprintf(out, "%s (%s)\n\n", resp.Article.Title, resp.Article.PublicationDate)
			if d := resp.Distillation; d != nil {
				fmt.Fprintf(out, "Thesis: %s\n", d.ThesisStatement)
				for _, kc := range d.KeyClaims {
					fmt.Fprintf(out, "  - %s\n", kc.Claim)
				}
			} else {
				fmt.Fprintln(out, "No distillation.")
			}
			fmt.Fprintf(out, "\n%d chunks, %d tokens\n", resp.Stats.TotalChunks, resp.Stats.TotalTokens)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show archive and index totals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := newClient(cmd).Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, resp)
			}

			fmt.Fprintf(out, "Articles:       %d\n", resp.TotalArticles)
			fmt.Fprintf(out, "Distillations:  %d (%d embedded)\n", resp.TotalDistillations, resp.TotalDistillationEmbeddings)
			fmt.Fprintf(out, "Chunks:         %d (%d embedded)\n", resp.TotalChunks, resp.TotalChunkEmbeddings)
			if resp.IndexError != "" {
				fmt.Fprintf(out, "Index:          %s\n", resp.IndexError)
			}
			for tier, n := range resp.IndexVectors {
				fmt.Fprintf(out, "Index %-9s %d vectors\n", tier+":", n)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("askben %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

// batchTimeout lifts the request timeout for commands that run whole
// batches inside one request, unless --timeout was given.
func batchTimeout(cmd *cobra.Command) {
	if !cmd.Flags().Changed("timeout") {
		_ = cmd.Flags().Set("timeout", "35m")
	}
}


func browseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browse <query>",
		Short: "Search distillations by similarity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			resp, err := newClient(cmd).BrowseDistillations(cmd.Context(), strings.Join(args, " "), limit, thresholdFlag(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, resp)
			}

			fmt.Fprintf(out, "%d results, %d above %.2f\n", resp.Count, resp.AboveThreshold, resp.Threshold)
			printItems(out, resp.Results)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "number of results (server default when 0)")
	cmd.Flags().Float64("threshold", 0, "similarity threshold (server default when unset)")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server and component health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := newClient(cmd).Ready(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, resp)
			}

			fmt.Fprintf(out, "%s (version %s, up %s)\n", resp.Status, resp.Version, resp.Uptime)
			for name, c := range resp.Components {
				fmt.Fprintf(out, "  %-10s %-10s %4dms %s\n", name, c.Status, c.Latency, c.Message)
			}
			return nil
		},
	}
}
