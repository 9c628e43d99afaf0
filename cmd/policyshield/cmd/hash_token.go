package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mishabar410/policyshield/internal/domain/auth"
)

var hashTokenArgon bool

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Generate a hash for an API or admin token",
	Long: `Generate a hash of a bearer token for use in config.

By default the output is "sha256:<hex>", usable directly as the value of
server.api_token or server.admin_token. With --argon2id the output is an
Argon2id PHC string, which resists offline brute force if the config file
leaks.

Example:
  policyshield hash-token "my-secret-token"
  # Output: sha256:7d5e8c...

Security note: The token will appear in shell history.
Consider clearing history after use or using an environment variable:
  policyshield hash-token "$MY_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		if hashTokenArgon {
			hash, err := auth.HashToken(token)
			if err != nil {
				return fmt.Errorf("failed to hash token: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Printf("sha256:%s\n", auth.SHA256Hex(token))
		return nil
	},
}

func init() {
	hashTokenCmd.Flags().BoolVar(&hashTokenArgon, "argon2id", false, "Emit an Argon2id PHC hash instead of sha256")
	rootCmd.AddCommand(hashTokenCmd)
}
