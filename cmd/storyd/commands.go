package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flitsinc/storyforge/internal/engine"
	"github.com/flitsinc/storyforge/internal/pipeline"
)

func buildInvokeCmd() *cobra.Command {
	var (
		storyID string
		input   string
		opts    engine.Options
	)
	cmd := &cobra.Command{
		Use:   "invoke AGENT",
		Short: "Run an agent and print its output",
		Long: `Run an agent through the runner. Streaming agents print their events as
NDJSON; other agents print their output and trace as JSON.`,
		Example: `  storyd invoke librarian.analyze --story 0191...
  storyd invoke writer.generate --story 0191... --input '{"instruction":"Let the fog lift."}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseInput(input)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.runner.Invoke(cmd.Context(), engine.InvokeArgs{
				StoryID:   storyID,
				AgentName: args[0],
				Input:     parsed,
				Options:   opts,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if stream, ok := res.Output.(*pipeline.Result); ok {
				_, err := pipeline.WriteNDJSON(out, stream)
				return err
			}
			return writeIndented(out, map[string]any{"runId": res.RunID, "rootRunId": res.RootRunID, "output": res.Output, "trace": res.Trace})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	cmd.Flags().StringVar(&input, "input", "{}", "agent input as JSON")
	cmd.Flags().IntVar(&opts.MaxDepth, "max-depth", 0, "maximum call depth (0 uses the configured limit)")
	cmd.Flags().IntVar(&opts.MaxCalls, "max-calls", 0, "maximum calls per run (0 uses the configured limit)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-agent timeout (0 uses the configured limit)")
	return cmd
}

func buildCompileCmd() *cobra.Command {
	var (
		storyID string
		input   string
	)
	cmd := &cobra.Command{
		Use:   "compile AGENT",
		Short: "Print the compiled prompt of a streaming agent without calling a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseInput(input)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runner, ok := a.suite.Stream(args[0])
			if !ok {
				return fmt.Errorf("%q is not a streaming agent", args[0])
			}
			preview, err := runner.Preview(cmd.Context(), storyID, parsed)
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), preview)
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	cmd.Flags().StringVar(&input, "input", "{}", "agent input as JSON")
	_ = cmd.MarkFlagRequired("story")
	return cmd
}

func buildRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List model roles and the provider each resolves to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tPROVIDER\tMODEL\tSOURCE")
			for _, info := range a.roles.List() {
				res, err := a.suite.Deps.ResolveRole(cmd.Context(), info.Key)
				if err != nil {
					return err
				}
				model := res.Model
				if model == "" {
					model = a.cfg.ModelFor(res.Provider)
				}
				source := res.Source
				if source == "" {
					source = "default"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Key, res.Provider, model, source)
			}
			return tw.Flush()
		},
	}
}

func parseInput(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid --input: %w", err)
	}
	return v, nil
}

func writeIndented(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
