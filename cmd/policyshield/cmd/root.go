// Package cmd provides the CLI commands for PolicyShield.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mishabar410/policyshield/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "policyshield",
	Short: "PolicyShield - policy firewall for agent tool calls",
	Long: `PolicyShield is a policy firewall that sits between AI agents and
their tools. Every tool call is checked against a declarative rule file
before execution and can be allowed, blocked, redacted, or held for human
approval.

Quick start:
  1. Write a rule file: policyshield.rules.yaml
  2. Run: policyshield serve

Configuration:
  Config is loaded from policyshield.yaml in the current directory,
  $HOME/.policyshield/, or /etc/policyshield/.

  Environment variables override config values with the POLICYSHIELD_
  prefix. Example: POLICYSHIELD_API_TOKEN=secret

Commands:
  serve       Start the policy server
  validate    Compile a rule file and report errors
  hash-token  Generate a hash for an API or admin token
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./policyshield.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
