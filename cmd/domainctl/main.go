package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jmerrifield20/hostdomains/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL  string
	cfgFile    string
	tokenFlag  string
	outputJSON bool
	insecure   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "domainctl",
	Short: "Manage custom domains on a hostdomains control plane",
	Long: `domainctl adds custom domains, verifies their DNS records, requests
certificates, watches them until they are live, and removes them.

Settings are read from ~/.domainctl/config.yaml (server_url, token, ca_file,
insecure) and DOMAINCTL_* environment variables; flags take precedence.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.domainctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("domainctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if tokenFlag == "" {
			tokenFlag = viper.GetString("token")
		}
		if !insecure {
			insecure = viper.GetBool("insecure")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.domainctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "control plane URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "owner bearer token")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print raw JSON")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification (development only)")

	rootCmd.AddCommand(addCmd, listCmd, getCmd, verifyCmd, retryCmd, statusCmd, watchCmd,
		availableCmd, activateCmd, impactCmd, removeCmd, historyCmd, tokenCmd, versionCmd)
}

// newClient builds an SDK client from the resolved settings.
func newClient(opts ...client.Option) (*client.Client, error) {
	if tokenFlag == "" {
		return nil, errors.New("no token configured; pass --token, set token in ~/.domainctl/config.yaml, or mint one with 'domainctl token'")
	}
	base := []client.Option{client.WithBearerToken(tokenFlag)}
	if caFile := viper.GetString("ca_file"); caFile != "" {
		base = append(base, client.WithCACertFile(caFile))
	}
	if insecure {
		base = append(base, client.WithInsecureSkipVerify())
	}
	return client.New(serverURL, append(base, opts...)...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func confirm(prompt string) bool {
	fmt.Print(prompt + " [y/N]: ")
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.ToLower(strings.TrimSpace(answer)) == "y"
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the domainctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("domainctl %s\n", version)
	},
}
