package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/profile-geofix/internal/config"
	"github.com/couchcryptid/profile-geofix/internal/observability"
	"github.com/couchcryptid/profile-geofix/internal/pipeline"
	"github.com/couchcryptid/profile-geofix/internal/stage"
)

func newFixCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "fix [input.jsonl]",
		Short: "Resolve coordinates for a JSON-lines file of profiles",
		Long: "Reads one JSON profile per line from the input file (or stdin), " +
			"resolves coordinates and writes the profiles to the output file (or stdout).",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			return runFix(cmd, in, out)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func runFix(cmd *cobra.Command, in io.Reader, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logs go to stderr so stdout carries only profiles.
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())

	var res resources
	defer res.close(logger)

	resolver, err := buildResolver(cmd.Context(), cfg, metrics, &res, logger)
	if err != nil {
		return err
	}
	mon, err := buildMonitor(cfg, metrics, &res, logger)
	if err != nil {
		return err
	}

	op := stage.NewGeoFixOperator(resolver, mon, logger)
	sum, runErr := pipeline.RunJSONLines(cmd.Context(), in, out, op, logger)
	printSummary(cmd.ErrOrStderr(), sum)
	return runErr
}

func printSummary(w io.Writer, sum pipeline.Summary) {
	if !isTerminal(w) {
		fmt.Fprintf(w, "read=%d forwarded=%d located=%d skipped=%d\n",
			sum.Read, sum.Forwarded, sum.Located, sum.Skipped)
		return
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Profiles", "Count"})
	tw.AppendRows([]table.Row{
		{"read", strconv.Itoa(sum.Read)},
		{"forwarded", strconv.Itoa(sum.Forwarded)},
		{"located", strconv.Itoa(sum.Located)},
		{"skipped", strconv.Itoa(sum.Skipped)},
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	fmt.Fprintln(w, tw.Render())
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
