package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/tccstore"
	"pkt.systems/tccstore/internal/cryptoutil"
)

func newKeygenCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create (or complete) a kryptograf key file for record encryption",
		Long:  "keygen writes a root key to --out when the file has none. Existing keys are kept, so running it twice is safe.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := outPath
			if path == "" {
				dir, err := tccstore.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				path = filepath.Join(dir, tccstore.DefaultKeyFileName)
			}
			path, err := expandPath(path)
			if err != nil {
				return err
			}
			if _, err := cryptoutil.EnsureKeyFile(path); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "root key ready in %s\n", path)
			return err
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "key file path (defaults to $HOME/.tccstore/"+tccstore.DefaultKeyFileName+")")
	return cmd
}
