package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/10printhello/trim-telemetry/pkg/record"
	"github.com/10printhello/trim-telemetry/pkg/stats"
)

var (
	summarizeTop       int
	summarizeThreshold time.Duration
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize <file>",
	Short: "Print a summary of a telemetry stream",
	Long: `Reads a telemetry stream and prints status counts, duration percentiles,
flag counts and the slowest tests. Percentiles are recomputed from the test
records, so streams without a run summary are summarized too.`,
	Args: cobra.ExactArgs(1),
	RunE: runSummarize,
}

func init() {
	rootCmd.AddCommand(summarizeCmd)
	summarizeCmd.Flags().IntVar(&summarizeTop, "top", 10,
		"number of slowest tests to list")
	summarizeCmd.Flags().DurationVar(&summarizeThreshold, "min-duration", 0,
		"only list slow tests at or above this duration")
}

type summaryReport struct {
	size     int64
	statuses map[record.Status]int
	flags    map[string]int
	queries  int
	network  int
	blocked  int
	records  []*record.TestRecord
	duration record.DurationStats
	summary  *record.RunSummary
	skipped  int
}

func runSummarize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening telemetry: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat telemetry: %w", err)
	}

	sc := cfg.SessionConfig()

	report, err := buildSummary(f, stats.Config{
		Thresholds: sc.Thresholds,
		SampleCap:  sc.SampleCap,
		SampleSeed: sc.SampleSeed,
	})
	if err != nil {
		return err
	}

	report.size = info.Size()

	printSummary(cmd.OutOrStdout(), report, summarizeTop, summarizeThreshold)

	return nil
}

func buildSummary(r io.Reader, cfg stats.Config) (*summaryReport, error) {
	agg := stats.NewAggregator(cfg)
	reader := record.NewReader(r)

	report := &summaryReport{
		statuses: make(map[record.Status]int, 4),
		flags:    make(map[string]int, 8),
	}

	for {
		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading telemetry: %w", err)
		}

		if line.Summary != nil {
			report.summary = line.Summary

			continue
		}

		rec := line.Record
		agg.Add(time.Duration(rec.DurationMS) * time.Millisecond)

		report.records = append(report.records, rec)
		report.statuses[rec.Status]++
		report.queries += rec.Database.Count
		report.network += rec.Network.TotalCalls
		report.blocked += rec.Network.Blocked

		for _, flag := range rec.Performance.Flags {
			report.flags[flag]++
		}
	}

	report.duration = agg.Snapshot()
	report.skipped = reader.Skipped()

	return report, nil
}

func printSummary(w io.Writer, r *summaryReport, top int, minDuration time.Duration) {
	if r.summary != nil {
		fmt.Fprintf(w, "Run:        %s (exit code %d)\n", r.summary.RunID, r.summary.ExitCode)
	} else {
		fmt.Fprintln(w, "Run:        (no run summary, stream incomplete)")
	}

	fmt.Fprintf(w, "Stream:     %s, %d skipped lines\n", units.HumanSize(float64(r.size)), r.skipped)
	fmt.Fprintf(w, "Tests:      %d total, %d passed, %d failed, %d error, %d skipped\n",
		len(r.records),
		r.statuses[record.StatusPassed],
		r.statuses[record.StatusFailed],
		r.statuses[record.StatusError],
		r.statuses[record.StatusSkipped],
	)
	fmt.Fprintf(w, "Queries:    %d\n", r.queries)
	fmt.Fprintf(w, "Network:    %d calls, %d blocked\n", r.network, r.blocked)
	fmt.Fprintf(w, "Duration:   p50 %s, p95 %s, p99 %s",
		formatMS(r.duration.P50MS), formatMS(r.duration.P95MS), formatMS(r.duration.P99MS))

	if r.duration.Sampled {
		fmt.Fprint(w, " (sampled)")
	}

	fmt.Fprintln(w)

	if r.summary != nil {
		u := r.summary.Unattributed
		if u.Queries > 0 || u.Network > 0 {
			fmt.Fprintf(w, "Unattributed: %d queries, %d network calls\n", u.Queries, u.Network)
		}
	}

	if len(r.flags) > 0 {
		names := make([]string, 0, len(r.flags))
		for name := range r.flags {
			names = append(names, name)
		}

		sort.Strings(names)

		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%d", name, r.flags[name]))
		}

		fmt.Fprintf(w, "Flags:      %s\n", strings.Join(parts, " "))
	}

	slowest := slowestRecords(r.records, top, minDuration)
	if len(slowest) == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Slowest tests:")

	for _, rec := range slowest {
		fmt.Fprintf(w, "  %8dms  %-7s  %3d queries  %s\n",
			rec.DurationMS, rec.Status, rec.Database.Count, rec.ID)
	}
}

func slowestRecords(recs []*record.TestRecord, top int, minDuration time.Duration) []*record.TestRecord {
	if top <= 0 {
		return nil
	}

	out := make([]*record.TestRecord, 0, len(recs))
	for _, rec := range recs {
		if time.Duration(rec.DurationMS)*time.Millisecond >= minDuration {
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DurationMS > out[j].DurationMS
	})

	if len(out) > top {
		out = out[:top]
	}

	return out
}

func formatMS(v *int64) string {
	if v == nil {
		return "n/a"
	}

	return (time.Duration(*v) * time.Millisecond).String()
}
