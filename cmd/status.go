package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	statusJobID      string
	statusWithResult bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of one evaluation job",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("client"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		job, err := st.GetJob(ctx, statusJobID)
		if err != nil {
			return eris.Wrap(err, "get job")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if statusWithResult && job.ResultRef != "" {
			result, err := st.GetResult(ctx, job.ResultRef)
			if err != nil {
				return eris.Wrap(err, "get result")
			}
			return enc.Encode(struct {
				Job    any `json:"job"`
				Result any `json:"result"`
			}{job, result})
		}

		return enc.Encode(job)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusJobID, "job", "", "job id (required)")
	statusCmd.Flags().BoolVar(&statusWithResult, "result", false, "include the evaluation result when available")
	_ = statusCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(statusCmd)
}
