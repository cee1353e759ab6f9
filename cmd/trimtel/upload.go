package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/10printhello/trim-telemetry/pkg/record"
	"github.com/10printhello/trim-telemetry/pkg/upload"
)

var (
	uploadRunID     string
	uploadPreflight bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file...>",
	Short: "Upload telemetry streams to S3",
	Long: `Uploads telemetry streams under <prefix>/<run-id>/. The run id defaults
to the one in the first file's run summary.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadRunID, "run-id", "",
		"run id to upload under (default from the run summary)")
	uploadCmd.Flags().BoolVar(&uploadPreflight, "preflight", true,
		"verify bucket write access before uploading")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	runID := uploadRunID
	if runID == "" {
		runID, err = runIDFromFile(args[0])
		if err != nil {
			return err
		}
	}

	uploader, err := upload.NewS3Uploader(log, &cfg.Upload.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	if uploadPreflight {
		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("S3 preflight: %w", err)
		}
	}

	keys, err := uploader.UploadRun(ctx, runID, args)
	if err != nil {
		return fmt.Errorf("uploading run %s: %w", runID, err)
	}

	log.WithFields(logrus.Fields{
		"run_id":  runID,
		"objects": len(keys),
		"bucket":  cfg.Upload.S3.Bucket,
	}).Info("Upload complete")

	return nil
}

func runIDFromFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	recs, summary, err := record.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	if summary != nil && summary.RunID != "" {
		return summary.RunID, nil
	}

	for _, rec := range recs {
		if rec.RunID != "" {
			return rec.RunID, nil
		}
	}

	return "", fmt.Errorf("%s carries no run id, pass --run-id", path)
}
