package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register <image>...",
	Short: "Register specimen images by content hash",
	Long:  "Hashes each image's bytes into a specimen id and inserts the specimen if it is new. Registering the same bytes twice returns the existing id.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		svc, st, err := initService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		metaPairs, _ := cmd.Flags().GetStringArray("meta")
		metadata, err := parseKeyValues(metaPairs)
		if err != nil {
			return err
		}

		for _, path := range args {
			image, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "read image %s", path)
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}

			sp, created, err := svc.Register(ctx, image, "file://"+abs, metadata)
			if err != nil {
				return eris.Wrapf(err, "register %s", path)
			}

			status := "exists"
			if created {
				status = "registered"
			}
			fmt.Printf("%s\t%s\t%s\n", sp.SpecimenID, status, path)
		}
		return nil
	},
}

func init() {
	registerCmd.Flags().StringArray("meta", nil, "metadata annotation as key=value (repeatable)")
	rootCmd.AddCommand(registerCmd)
}
