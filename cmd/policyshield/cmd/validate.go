package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	celcompiler "github.com/mishabar410/policyshield/internal/adapter/outbound/cel"
	"github.com/mishabar410/policyshield/internal/domain/rule"
)

var validateCmd = &cobra.Command{
	Use:   "validate [rule-file]",
	Short: "Compile a rule file and report errors",
	Long: `Compile a rule file the same way the server does at startup and on
reload. Compilation is all-or-nothing: any invalid pattern, selector, or
expression fails the whole file.

Example:
  policyshield validate policyshield.rules.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		rs, _, err := rule.LoadFileRaw(path)
		if err != nil {
			return fmt.Errorf("load failed: %w", err)
		}

		compiler, err := celcompiler.NewCompiler()
		if err != nil {
			return fmt.Errorf("expression compiler init failed: %w", err)
		}

		compiled, err := rule.Compile(rs, compiler)
		if err != nil {
			return fmt.Errorf("compile failed: %w", err)
		}

		fmt.Printf("%s: OK\n", path)
		fmt.Printf("  rules:       %d\n", len(compiled.Rules))
		fmt.Printf("  honeypots:   %d\n", len(compiled.Honeypots))
		fmt.Printf("  rate limits: %d\n", len(compiled.RateLimits))
		fmt.Printf("  default:     %s\n", compiled.Default)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
