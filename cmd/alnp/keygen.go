package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"alnp/internal/crypto"
)

func (a *app) keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a device signing key pair (pub.hex, priv.hex)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := out
			if dir == "" {
				dir = a.home
			}
			pub, priv, err := crypto.GenerateKeypair()
			if err != nil {
				return err
			}
			if err := crypto.SaveKeypair(dir, pub, priv); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, hex.EncodeToString(pub))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "directory for the key files (default --home)")
	return cmd
}
