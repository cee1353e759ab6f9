package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/10printhello/trim-telemetry/pkg/record"
	"github.com/10printhello/trim-telemetry/pkg/store"
	"github.com/10printhello/trim-telemetry/pkg/upload"
)

var indexS3Run string

var indexCmd = &cobra.Command{
	Use:   "index [file...]",
	Short: "Index telemetry streams into the store",
	Long: `Reads one or more telemetry streams and writes their runs and test
records into the configured store. Re-indexing a run replaces its test
records. With --s3-run the streams of an uploaded run are read from S3.`,
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().StringVar(&indexS3Run, "s3-run", "",
		"index the uploaded streams of this run id from S3")
}

type indexSource struct {
	name string
	open func() (io.ReadCloser, error)
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	sources := make([]indexSource, 0, len(args))

	for _, path := range args {
		sources = append(sources, indexSource{
			name: path,
			open: func() (io.ReadCloser, error) { return os.Open(path) },
		})
	}

	if indexS3Run != "" {
		reader := upload.NewS3Reader(log, &cfg.Upload.S3)

		keys, err := reader.ListRunKeys(ctx, indexS3Run)
		if err != nil {
			return fmt.Errorf("listing run %s: %w", indexS3Run, err)
		}

		for _, key := range keys {
			sources = append(sources, indexSource{
				name: "s3://" + cfg.Upload.S3.Bucket + "/" + key,
				open: func() (io.ReadCloser, error) { return reader.Open(ctx, key) },
			})
		}
	}

	if len(sources) == 0 {
		return errors.New("no telemetry to index: pass files or --s3-run")
	}

	st := store.NewStore(log, &cfg.Store)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	for _, src := range sources {
		if err := indexOne(cmd, st, src); err != nil {
			return fmt.Errorf("indexing %s: %w", src.name, err)
		}
	}

	return nil
}

func indexOne(cmd *cobra.Command, st store.Store, src indexSource) error {
	rc, err := src.open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	recs, summary, err := record.ReadAll(rc)
	if err != nil {
		return err
	}

	if summary == nil {
		return errors.New("stream has no run summary")
	}

	run, err := st.IndexRun(cmd.Context(), summary, recs)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"source":    src.name,
		"run_id":    run.RunID,
		"tests":     len(recs),
		"reindexed": run.ReindexedAt != nil,
	}).Info("Indexed run")

	return nil
}
