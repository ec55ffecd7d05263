package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zeek/zeek-benchmarker/pkg/client"
	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/fetch"
	"github.com/zeek/zeek-benchmarker/pkg/request"
)

var (
	submitServer    string
	submitKind      string
	submitBranch    string
	submitBuild     string
	submitBuildHash string
	submitBuildFile string
	submitCommit    string
	submitParams    []string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a build for benchmarking",
	Long: `Submit a build to a running API server. Remote builds are signed with
api.hmac_key from the config file or $` + config.EnvPrefix + `_API_HMAC_KEY.`,
	RunE: runSubmit,
}

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show a job and its results",
	Args:  cobra.ExactArgs(1),
	RunE:  runJob,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(jobCmd)

	for _, c := range []*cobra.Command{submitCmd, jobCmd} {
		c.Flags().StringVar(&submitServer, "server", "http://127.0.0.1:8080", "API server URL")
	}

	submitCmd.Flags().StringVar(&submitKind, "kind", request.KindZeek, "job kind (zeek, broker)")
	submitCmd.Flags().StringVar(&submitBranch, "branch", "", "branch the build was made from")
	submitCmd.Flags().StringVar(&submitBuild, "build", "", "build URL (https:// or file://)")
	submitCmd.Flags().StringVar(&submitBuildHash, "build-hash", "", "SHA-256 of the build archive")
	submitCmd.Flags().StringVar(&submitBuildFile, "build-file", "",
		"local copy of the build archive, used to compute --build-hash")
	submitCmd.Flags().StringVar(&submitCommit, "commit", "", "commit of the build")
	submitCmd.Flags().StringArrayVar(&submitParams, "param", nil,
		"additional CI metadata as key=value (repeatable)")

	_ = submitCmd.MarkFlagRequired("branch")
	_ = submitCmd.MarkFlagRequired("build")
}

// hmacKey returns the signing key from the config file or the environment.
// A missing config file is not an error for local submissions.
func hmacKey() string {
	if key := os.Getenv(config.EnvPrefix + "_API_HMAC_KEY"); key != "" {
		return key
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.WithError(err).Debug("No config for signing key")

		return ""
	}

	return cfg.API.HMACKey
}

func runSubmit(cmd *cobra.Command, args []string) error {
	hash := submitBuildHash

	if hash == "" && submitBuildFile != "" {
		h, err := fetch.HashFile(submitBuildFile)
		if err != nil {
			return fmt.Errorf("hashing build file: %w", err)
		}

		hash = h
	}

	extra := make(map[string]string, len(submitParams))

	for _, p := range submitParams {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid --param %q, expected key=value", p)
		}

		extra[k] = v
	}

	c := client.New(log, submitServer, []byte(hmacKey()))

	entry, err := c.Submit(context.Background(), client.Submission{
		Kind:      submitKind,
		Branch:    submitBranch,
		BuildURL:  submitBuild,
		BuildHash: hash,
		Commit:    submitCommit,
		Extra:     extra,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", entry.ID)

	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	c := client.New(log, submitServer, nil)

	raw, err := c.Job(context.Background(), args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(raw)
}
