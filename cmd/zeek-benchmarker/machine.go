package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zeek/zeek-benchmarker/pkg/machine"
)

var machineCmd = &cobra.Command{
	Use:   "machine",
	Short: "Print the identity of this machine",
	Long:  `Print the attributes results are attributed to when jobs run on this machine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := machine.NewCollector(log).Collect(context.Background())
		if err != nil {
			return fmt.Errorf("collecting machine information: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(info)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after applying environment overrides and defaults.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Secrets are never printed.
		redact(&cfg.API.HMACKey)
		redact(&cfg.Database.Postgres.Password)
		redact(&cfg.Queue.SQS.SecretAccessKey)
		redact(&cfg.Upload.S3.SecretAccessKey)
		redact(&cfg.Metrics.InfluxDB.Token)

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)

		defer func() { _ = enc.Close() }()

		return enc.Encode(cfg)
	},
}

func redact(s *string) {
	if *s != "" {
		*s = "REDACTED"
	}
}

func init() {
	rootCmd.AddCommand(machineCmd)
	rootCmd.AddCommand(configCmd)
}
