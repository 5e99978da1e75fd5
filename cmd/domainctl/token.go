package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/hostdomains/internal/auth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	tokenSecret string
	tokenOwner  string
	tokenIssuer string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an owner token for a development server",
	Long: `token signs an owner bearer token with the server's JWT secret. It is meant
for local development; production tokens come from the account service.`,
	Example: `  domainctl token --owner acct_123 --secret "$DOMAINSD_AUTH_JWT_SECRET"`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = viper.GetString("jwt_secret")
		}
		if secret == "" {
			return errors.New("no signing secret; pass --secret or set jwt_secret in the config file")
		}
		issuer, err := auth.NewTokenIssuer([]byte(secret), tokenIssuer, tokenTTL)
		if err != nil {
			return err
		}
		tok, err := issuer.Issue(tokenOwner)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		if outputJSON {
			return printJSON(map[string]any{
				"token":      tok,
				"owner_id":   tokenOwner,
				"expires_at": time.Now().Add(tokenTTL).UTC(),
			})
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "JWT signing secret (default: jwt_secret from config)")
	tokenCmd.Flags().StringVar(&tokenOwner, "owner", "", "owner account id")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "hostdomains", "token issuer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("owner")
}
