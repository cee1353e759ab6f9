package main

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/10printhello/trim-telemetry/pkg/fsutil"
	"github.com/10printhello/trim-telemetry/pkg/gotest"
	"github.com/10printhello/trim-telemetry/pkg/store"
	"github.com/10printhello/trim-telemetry/pkg/telemetry"
	"github.com/10printhello/trim-telemetry/pkg/upload"
)

var (
	gotestInput        string
	gotestOutput       string
	gotestIndex        bool
	gotestUpload       bool
	gotestNoExitStatus bool
)

var gotestCmd = &cobra.Command{
	Use:   "gotest",
	Short: "Record telemetry from a go test -json stream",
	Long: `Reads the output of "go test -json" from a file or stdin, records one
telemetry record per test and writes the telemetry stream. The command exits
with 1 when any test failed.

  go test -json ./... | trimtel gotest --output trimtel.ndjson`,
	RunE: runGotest,
}

func init() {
	rootCmd.AddCommand(gotestCmd)
	gotestCmd.Flags().StringVar(&gotestInput, "input", "-",
		`go test -json file ("-" reads stdin)`)
	gotestCmd.Flags().StringVar(&gotestOutput, "output", "",
		"telemetry stream path (default from config output.path)")
	gotestCmd.Flags().BoolVar(&gotestIndex, "index", false,
		"index the run into the configured store")
	gotestCmd.Flags().BoolVar(&gotestUpload, "upload", false,
		"upload the telemetry stream to S3")
	gotestCmd.Flags().BoolVar(&gotestNoExitStatus, "no-exit-status", false,
		"always exit 0 regardless of test results")
}

func runGotest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	in := io.Reader(cmd.InOrStdin())
	if gotestInput != "-" {
		f, err := os.Open(gotestInput)
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer func() { _ = f.Close() }()

		in = f
	}

	outPath := gotestOutput
	if outPath == "" {
		outPath = cfg.Output.Path
	}

	var out io.Writer

	var outFile *os.File

	if cfg.Output.Stdout {
		out = cmd.OutOrStdout()
		outPath = ""
	} else {
		owner, err := fsutil.ParseOwner(cfg.Output.Owner)
		if err != nil {
			return fmt.Errorf("parsing output.owner: %w", err)
		}

		outFile, err = fsutil.CreateFile(outPath, owner)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer func() { _ = outFile.Close() }()

		out = outFile
	}

	env := map[string]string{"framework": "go test"}
	if cfg.Telemetry.HostInfo {
		maps.Copy(env, telemetry.HostInfo(ctx, log))
	}

	session := telemetry.NewSession(log, cfg.SessionConfig(),
		telemetry.WithOutput(out),
		telemetry.WithEnvironment(env),
	)

	adapter := gotest.NewAdapter(log, session)

	res, runErr := adapter.Run(ctx, bufio.NewReader(in))

	summary := session.FlushRun(nil)

	if outFile != nil {
		if err := outFile.Close(); err != nil {
			return fmt.Errorf("closing output: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"run_id":    summary.RunID,
		"tests":     summary.TotalTests,
		"failed":    summary.FailedTests,
		"errors":    summary.ErrorTests,
		"malformed": res.Malformed,
		"output":    outPath,
	}).Info("Telemetry recorded")

	if runErr != nil {
		return fmt.Errorf("reading go test output: %w", runErr)
	}

	if gotestIndex {
		st := store.NewStore(log, &cfg.Store)
		if err := st.Start(ctx); err != nil {
			return fmt.Errorf("starting store: %w", err)
		}

		_, err := st.IndexRun(ctx, summary, session.Records())

		if stopErr := st.Stop(); stopErr != nil {
			log.WithError(stopErr).Warn("Failed to stop store")
		}

		if err != nil {
			return fmt.Errorf("indexing run: %w", err)
		}
	}

	if gotestUpload {
		if outPath == "" {
			return fmt.Errorf("--upload needs a file output, not stdout")
		}

		uploader, err := upload.NewS3Uploader(log, &cfg.Upload.S3)
		if err != nil {
			return fmt.Errorf("creating S3 uploader: %w", err)
		}

		if _, err := uploader.UploadRun(ctx, summary.RunID, []string{outPath}); err != nil {
			return fmt.Errorf("uploading telemetry: %w", err)
		}
	}

	if summary.ExitCode != 0 && !gotestNoExitStatus {
		return &exitCodeError{code: summary.ExitCode}
	}

	return nil
}
