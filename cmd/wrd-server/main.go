package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per the operations contract.
const (
	exitOK       = 0
	exitConfig   = 1
	exitCert     = 2
	exitNoPortal = 3
	exitBind     = 4
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wrd-server",
		Short: "Wayland-native RDP server",
		Long:  `wrd-server exposes a Wayland desktop session to standard RDP clients.`,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	rootCmd := newRootCmd()
	rootCmd.SetContext(context.Background())
	rootCmd.SetOutput(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}
