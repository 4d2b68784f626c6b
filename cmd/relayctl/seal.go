package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/irc-relay/crypto"
)

func newSealCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "seal [value]",
		Short: "Encrypt a secret for the relay config",
		Long:  "seal prints the enc:<base64> form of a server password, token or VAPID key. The value is read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := crypto.NewAESEncryptor(key)
			if err != nil {
				return err
			}
			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("nothing to seal")
			}
			sealed, err := crypto.SealSecret(enc, value)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", os.Getenv("ENCRYPTION_KEY"), "Base64 AES-256 key ($ENCRYPTION_KEY)")
	return cmd
}
