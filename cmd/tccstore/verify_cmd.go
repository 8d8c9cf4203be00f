package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"pkt.systems/tccstore"
	"pkt.systems/tccstore/internal/diagnostics/storagecheck"
)

func newVerifyCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the configured store honours create-only writes",
		Args:  cobra.NoArgs,
		Example: strings.TrimSpace(`
# Verify Redis durability and conflict detection
TCCSTORE_STORE=redis://localhost:6379/0 tccstore verify

# Verify a disk store with record encryption
tccstore --store disk:///var/lib/tccstore --encryption-key-file ~/.tccstore/record.key verify

# Verify AWS S3
TCCSTORE_STORE=aws://my-bucket/tcc TCCSTORE_AWS_REGION=us-west-2 tccstore verify
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(baseLogger, "cli.verify")
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg tccstore.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			res, err := storagecheck.VerifyStore(cmd.Context(), cfg, tccstore.WithLogger(logger))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", res.Store)
			if res.Provider != "" {
				fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			}
			if res.Endpoint != "" {
				fmt.Fprintf(out, "Endpoint: %s\n", res.Endpoint)
			}
			if res.Bucket != "" {
				fmt.Fprintf(out, "Bucket/Container: %s\n", res.Bucket)
			}
			if res.Prefix != "" {
				fmt.Fprintf(out, "Prefix: %s\n", res.Prefix)
			}
			cred := res.Credentials
			if cred.Source != "" || cred.AccessKey != "" {
				accessKey := cred.AccessKey
				if accessKey == "" {
					accessKey = "(none)"
				}
				fmt.Fprintf(out, "AccessKey: %s (has_secret:%t source:%s)\n", accessKey, cred.HasSecret, cred.Source)
			}
			if res.Durability != "" {
				fmt.Fprintf(out, "Durability: %s\n", res.Durability)
			}
			fmt.Fprintln(out)

			for _, check := range res.Checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
				} else {
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				}
			}
			if res.Passed() {
				fmt.Fprintln(out, "Store verification succeeded.")
				return nil
			}
			return fmt.Errorf("store verification failed")
		},
	}
}
