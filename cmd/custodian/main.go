// Command custodian runs the mesh gateway and talks to a running one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"custodian-mesh/pkg/version"
)

var (
	envFile    string
	logLevel   string
	adminURL   string
	adminToken string
)

var rootCmd = &cobra.Command{
	Use:           "custodian",
	Short:         "Custodian mesh gateway and trust protocol",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before CUSTODIAN_* variables")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override CUSTODIAN_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin", "http://127.0.0.1:8766", "admin API base URL (client commands)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("CUSTODIAN_ADMIN_TOKEN"), "admin token (client commands)")

	rootCmd.AddCommand(serveCmd, peersCmd, secretCmd, askCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
