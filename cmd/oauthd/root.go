package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for oauthd
var rootCmd = &cobra.Command{
	Use:   "oauthd",
	Short: "OAuth 2.0 authorization server",
	Long: `oauthd serves the RFC 6749 authorization and token endpoints and the
RFC 7009 revocation endpoint.

Supported grants: authorization_code (with PKCE), implicit,
client_credentials and refresh_token.`,
	SilenceUsage: true,
}

// SetVersion sets the version reported by the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "oauthd version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of oauthd",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "oauthd version %s\n", rootCmd.Version)
		},
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
