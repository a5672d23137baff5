package main

import (
	"fmt"

	"github.com/spf13/cobra"

	auth "github.com/goliatone/go-tokenauth"
)

var keygenBytes int

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a random base64 secret suitable for JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := auth.GenerateSecret(keygenBytes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	},
}

func init() {
	keygenCmd.Flags().IntVar(&keygenBytes, "bytes", auth.MinSigningKeyBytes, "number of random bytes")
}
