package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/askben/askben/internal/answer"
	"github.com/askben/askben/internal/server"
	"github.com/askben/askben/internal/store"
)

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Manage evaluation examples and runs",
	}
	cmd.AddCommand(
		evalExamplesCmd(),
		evalAddCmd(),
		evalRunCmd(),
		evalRunsCmd(),
		evalShowCmd(),
		evalCitationsCmd(),
		evalCitationsBatchCmd(),
		evalCitationRunsCmd(),
		evalCitationShowCmd(),
	)
	return cmd
}

func evalExamplesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "examples",
		Short: "List evaluation examples",
		RunE: func(cmd *cobra.Command, _ []string) error {
			examples, err := newClient(cmd).ListExamples(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, examples)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCATEGORY\tDIFFICULTY\tQUESTION")
			for _, e := range examples {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, dash(e.Category), dash(e.Difficulty), e.Question)
			}
			return tw.Flush()
		},
	}
}

func evalAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <question>",
		Short: "Add an evaluation example",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, _ := cmd.Flags().GetString("category")
			difficulty, _ := cmd.Flags().GetString("difficulty")
			e, err := newClient(cmd).AddExample(cmd.Context(), server.AddExampleRequest{
				Question:   strings.Join(args, " "),
				Category:   category,
				Difficulty: difficulty,
			})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", e.ID)
			return nil
		},
	}
	cmd.Flags().String("category", "", "example category")
	cmd.Flags().String("difficulty", "", "example difficulty")
	return cmd
}

func evalRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Answer and judge every example",
		RunE: func(cmd *cobra.Command, _ []string) error {
			batchTimeout(cmd)
			req := server.RunEvalRequest{Threshold: thresholdFlag(cmd)}
			if reasoning, _ := cmd.Flags().GetBool("reasoning"); reasoning {
				req.Mode = answer.ModeReasoning.String()
			}
			if cmd.Flags().Changed("limit") {
				limit, _ := cmd.Flags().GetInt("limit")
				req.Limit = &limit
			}

			resp, err := newClient(cmd).RunEval(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, resp)
			}
			printEvalRun(out, resp.EvalRun)
			printEvalResults(out, resp.Results)
			return nil
		},
	}
	cmd.Flags().BoolP("reasoning", "r", false, "answer reasoning-first")
	cmd.Flags().IntP("limit", "n", 0, "results per tier")
	cmd.Flags().Float64("threshold", 0, "similarity threshold")
	return cmd
}

func evalRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent eval runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := newClient(cmd).ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, runs)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tMODE\tSTATUS\tSCORED\tAVG")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%.2f\n",
					r.ID, r.StartedAt.Format("2006-01-02 15:04"), r.Mode, r.Status,
					r.ScoredExamples, r.TotalExamples, r.AvgScore)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "number of runs (server default when 0)")
	return cmd
}

func evalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show an eval run and its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(cmd).GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, resp)
			}
			printEvalRun(out, resp.Run)
			printEvalResults(out, resp.Results)
			return nil
		},
	}
}

func evalCitationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "citations <question>",
		Short: "Answer reasoning-first and verify the citations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(cmd).CheckCitations(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, res)
			}

			fmt.Fprintln(out, res.Answer)
			fmt.Fprintf(out, "\n%d citations: %d valid, %d misused, %d hallucinated (accuracy %.2f)\n",
				res.TotalCitations, res.Valid, res.Misused, res.Hallucinated, res.AccuracyScore)
			for _, c := range res.Details {
				fmt.Fprintf(out, "  %-18s %s\n", c.Status, c.Marker)
				if c.Reason != "" {
					fmt.Fprintf(out, "  %-18s %s\n", "", c.Reason)
				}
			}
			return nil
		},
	}
}

func evalCitationsBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "citations-batch",
		Short: "Verify citations over every example",
		RunE: func(cmd *cobra.Command, _ []string) error {
			batchTimeout(cmd)
			resp, err := newClient(cmd).RunCitationEval(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, resp)
			}
			printCitationRun(out, resp.CitationRun)
			printCitationResults(out, resp.Results)
			return nil
		},
	}
}

func evalCitationRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "citation-runs",
		Short: "List recent citation runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := newClient(cmd).ListCitationRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, runs)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tCITATIONS\tACCURACY")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\n",
					r.ID, r.StartedAt.Format("2006-01-02 15:04"), r.Status, r.Total, r.OverallAccuracy)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "number of runs (server default when 0)")
	return cmd
}

func evalCitationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "citation-show <run-id>",
		Short: "Show a citation run and its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(cmd).GetCitationRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, resp)
			}
			printCitationRun(out, resp.Run)
			printCitationResults(out, resp.Results)
			return nil
		},
	}
}

func printEvalRun(out io.Writer, r *store.EvalRun) {
	if r == nil {
		return
	}
	fmt.Fprintf(out, "Run %s (%s, %s)\n", r.ID, r.Mode, r.Status)
	fmt.Fprintf(out, "  scored %d of %d, excluded %d\n", r.ScoredExamples, r.TotalExamples, r.ExcludedExamples)
	if r.WriteFailures > 0 {
		fmt.Fprintf(out, "  %d results could not be saved\n", r.WriteFailures)
	}
	fmt.Fprintf(out, "  avg %.2f  relevance %.2f  faithfulness %.2f  completeness %.2f\n",
		r.AvgScore, r.AvgRelevance, r.AvgFaithfulness, r.AvgCompleteness)
	for tier, n := range r.TierCounts {
		fmt.Fprintf(out, "  tier %s: %d\n", tier, n)
	}
}

func printEvalResults(out io.Writer, results []store.EvalResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTIER\tAVG\tQUESTION")
	for _, r := range results {
		score := fmt.Sprintf("%.2f", r.AvgScore)
		if r.Excluded {
			score = "excluded"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Position+1, dash(string(r.RetrievalTier)), score, r.Question)
	}
	_ = tw.Flush()
}

func printCitationRun(out io.Writer, r *store.CitationRun) {
	if r == nil {
		return
	}
	fmt.Fprintf(out, "Citation run %s (%s)\n", r.ID, r.Status)
	fmt.Fprintf(out, "  scored %d of %d, excluded %d\n", r.ScoredExamples, r.TotalExamples, r.ExcludedExamples)
	if r.WriteFailures > 0 {
		fmt.Fprintf(out, "  %d results could not be saved\n", r.WriteFailures)
	}
	fmt.Fprintf(out, "  %d citations: %d valid, %d misused, %d hallucinated (accuracy %.2f)\n",
		r.Total, r.Valid, r.Misused, r.Hallucinated, r.OverallAccuracy)
}

func printCitationResults(out io.Writer, results []store.CitationResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCITATIONS\tACCURACY\tQUESTION")
	for _, r := range results {
		acc := fmt.Sprintf("%.2f", r.AccuracyScore)
		if r.Excluded {
			acc = "excluded"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", r.Position+1, r.TotalCitations, acc, r.Question)
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
