package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var submitAddress string

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an address for livability evaluation",
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

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		job, err := st.CreateJob(ctx, submitAddress)
		if err != nil {
			return eris.Wrap(err, "create job")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitAddress, "address", "", "street address to evaluate (required)")
	_ = submitCmd.MarkFlagRequired("address")
	rootCmd.AddCommand(submitCmd)
}
