// -- cmd/seed.go --
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/chromefleet/internal/seed"
)

// newSeedCmd creates the `seed` command group, which obfuscates BIP-39
// phrases before they are stored in the data file.
func newSeedCmd() *cobra.Command {
	var key int
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Obfuscates or restores a BIP-39 seed phrase",
	}
	seedCmd.PersistentFlags().IntVarP(&key, "key", "k", seed.DefaultKey, "rotation applied to every word")

	transform := func(use, short string, fn func(string, int) (string, error), check bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <words...>",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := fn(strings.Join(args, " "), key)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				if err := seed.Verify(out); check && errors.Is(err, seed.ErrChecksum) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Warning: the result fails the BIP-39 checksum, check the key.")
				}
				return nil
			},
		}
	}
	seedCmd.AddCommand(
		transform("encrypt", "Rotates every word forward by the key", seed.Encrypt, false),
		transform("decrypt", "Reverses encrypt", seed.Decrypt, true),
	)
	return seedCmd
}
