package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pliu/sniffguard/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sniffguard",
		Short:         "End-to-end encrypted chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
	}
	config.RegisterFlags(root.PersistentFlags())

	// Serving is the default action.
	srv := serveCmd()
	root.RunE = srv.RunE
	root.AddCommand(srv, migrateCmd(), userAddCmd(), tokenCmd())
	return root
}
