// Command sniffkey manages a client's identity key vault and seals or
// opens single messages for debugging the wire protocol by hand.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pliu/sniffguard/internal/envelope"
	"github.com/pliu/sniffguard/internal/models"
)

// EnvPassword supplies the vault password when stdin is not a terminal.
const EnvPassword = "SNIFFKEY_PASSWORD"

// sealedMessage mirrors the encryption and recipients fields of a
// send_message payload.
type sealedMessage struct {
	Encryption models.EncryptionHeader `json:"encryption"`
	Recipients []models.Recipient      `json:"recipients"`
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sniffkey",
		Short:         "Client-side key tool for sniffguard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("vault", "sniffkey.vault", "path to the key vault")
	root.AddCommand(keygenCmd(), unlockCmd(), sealCmd(), openCmd())
	return root
}

func readPassword(cmd *cobra.Command, confirm bool) ([]byte, error) {
	if v, ok := os.LookupEnv(EnvPassword); ok {
		return []byte(v), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal; set %s", EnvPassword)
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Vault password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if confirm {
		fmt.Fprint(cmd.ErrOrStderr(), "Repeat password: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
		if string(again) != string(pw) {
			return nil, errors.New("passwords do not match")
		}
	}
	if len(pw) == 0 {
		return nil, errors.New("empty password")
	}
	return pw, nil
}

func unlockVault(cmd *cobra.Command) (*envelope.PublicKey, *envelope.PrivateKey, error) {
	path, _ := cmd.Flags().GetString("vault")
	v, err := envelope.ReadVault(path)
	if err != nil {
		return nil, nil, err
	}
	pub, err := v.Public()
	if err != nil {
		return nil, nil, err
	}
	pw, err := readPassword(cmd, false)
	if err != nil {
		return nil, nil, err
	}
	defer envelope.Wipe(pw)
	priv, err := v.Unlock(pw)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair into a new vault and print the public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("vault")
			if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("vault %s already exists", path)
			}
			pw, err := readPassword(cmd, true)
			if err != nil {
				return err
			}
			defer envelope.Wipe(pw)

			pub, priv, err := envelope.GenerateKeyPair()
			if err != nil {
				return err
			}
			defer envelope.Wipe(priv[:])
			v, err := envelope.LockVault(pub, priv, pw)
			if err != nil {
				return err
			}
			if err := v.WriteFile(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pub.String())
			return nil
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Check the vault password and print the public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			envelope.Wipe(priv[:])
			fmt.Fprintln(cmd.OutOrStdout(), pub.String())
			return nil
		},
	}
}

func sealCmd() *cobra.Command {
	var to, toUser, self string
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal stdin for one recipient (and yourself) as send_message JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recipientKey, err := envelope.ParsePublicKey(to)
			if err != nil {
				return err
			}
			pub, priv, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer envelope.Wipe(priv[:])

			plaintext, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			recipients := []envelope.RecipientKey{{UserID: toUser, PublicKey: recipientKey}}
			if self != "" {
				recipients = append(recipients, envelope.RecipientKey{UserID: self, PublicKey: pub})
			}
			p, err := envelope.PrepareMessage(plaintext, priv, recipients)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sealedMessage{Encryption: p.Encryption, Recipients: p.Recipients})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient public key (base64)")
	cmd.Flags().StringVar(&toUser, "to-user", "", "recipient user id")
	cmd.Flags().StringVar(&self, "self", "", "your user id, to keep a readable copy")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("to-user")
	return cmd
}

func openCmd() *cobra.Command {
	var from, user string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open your envelope of a message read as JSON from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			senderKey, err := envelope.ParsePublicKey(from)
			if err != nil {
				return err
			}
			var msg sealedMessage
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&msg); err != nil {
				return fmt.Errorf("read message: %w", err)
			}
			var mine *models.Recipient
			for i := range msg.Recipients {
				if msg.Recipients[i].UserID == user {
					mine = &msg.Recipients[i]
					break
				}
			}
			if mine == nil {
				return fmt.Errorf("no envelope for %s", user)
			}

			_, priv, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer envelope.Wipe(priv[:])
			plaintext, err := envelope.OpenEnvelope(msg.Encryption, *mine, priv, senderKey)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(plaintext)
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender public key (base64)")
	cmd.Flags().StringVar(&user, "user", "", "your user id")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("user")
	return cmd
}
