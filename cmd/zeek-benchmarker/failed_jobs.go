package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeek/zeek-benchmarker/pkg/upload"
)

var failedJobsCmd = &cobra.Command{
	Use:   "failed-jobs [job id]",
	Short: "List failed jobs uploaded to S3",
	Long: `List the job directories uploaded after a failure, or print the
failure reason of a single job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFailedJobs,
}

func init() {
	rootCmd.AddCommand(failedJobsCmd)
}

func runFailedJobs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Upload.S3.Enabled {
		return fmt.Errorf("upload.s3 is not enabled")
	}

	ctx := context.Background()
	reader := upload.NewS3Reader(log, &cfg.Upload.S3)

	if len(args) == 1 {
		reason, err := reader.Reason(ctx, args[0])
		if err != nil {
			return err
		}

		if reason == "" {
			return fmt.Errorf("no failure recorded for job %s", args[0])
		}

		fmt.Println(reason)

		return nil
	}

	jobs, err := reader.ListJobs(ctx)
	if err != nil {
		return err
	}

	for _, id := range jobs {
		fmt.Println(id)
	}

	return nil
}
