package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pliu/sniffguard/internal/auth"
	"github.com/pliu/sniffguard/internal/config"
	"github.com/pliu/sniffguard/internal/envelope"
	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/store/sqlstore"
	"github.com/pliu/sniffguard/internal/validation"
)

func openStore(cmd *cobra.Command) (*config.Config, *sqlstore.SQLStore, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	st, err := sqlstore.New(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the store migrates it.
			cfg, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Database.Driver)
			return nil
		},
	}
}

func userAddCmd() *cobra.Command {
	var u models.User
	cmd := &cobra.Command{
		Use:   "useradd USERNAME",
		Short: "Register a user and their published public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Username = args[0]
			if u.ID == "" {
				u.ID = uuid.NewString()
			}
			var v validation.Validator
			v.UserID("id", u.ID)
			v.Required("username", u.Username)
			if err := v.Err(); err != nil {
				return err
			}
			if u.PublicKey != "" {
				if _, err := envelope.ParsePublicKey(u.PublicKey); err != nil {
					return err
				}
			}

			_, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.CreateUser(cmd.Context(), &u); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id (default: random uuid)")
	cmd.Flags().StringVar(&u.DisplayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&u.Email, "email", "", "contact email, never published")
	cmd.Flags().StringVar(&u.PublicKey, "public-key", "", "base64 public key printed by sniffkey keygen")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Issue a bearer token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			user, err := st.GetUserByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(models.Identity{UserID: user.ID, Username: user.Username}, []byte(cfg.Auth.JWTSecret), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
