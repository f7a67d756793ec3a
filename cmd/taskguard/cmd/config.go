package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/taskguard/pkg/api"
	tlsutil "github.com/psantana5/taskguard/pkg/tls"
)

var (
	certFile string
	keyFile  string
	certCN   string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long:  `Prints the configuration after defaults and TASKGUARD_* environment overrides are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Hash an API key for api.api_key_hash",
	Long: `Prints a bcrypt hash for api.api_key_hash. Without an argument a new random
key is generated and printed once; store it, it cannot be recovered.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			generated, err := api.GenerateAPIKey()
			if err != nil {
				return err
			}
			key = generated
			fmt.Fprintf(out, "API key:      %s\n", key)
		}

		hash, err := api.HashAPIKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "api_key_hash: %s\n", hash)
		return nil
	},
}

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert [host...]",
	Short: "Write a self-signed certificate for api.tls_cert and api.tls_key",
	Long: `Writes a self-signed ECDSA certificate valid for localhost, the common name
and every extra host given. Intended for development.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tlsutil.GenerateSelfSigned(certFile, keyFile, certCN, args...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tls_cert: %s\ntls_key:  %s\n", certFile, keyFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHashKeyCmd)
	configCmd.AddCommand(configGenCertCmd)

	configGenCertCmd.Flags().StringVar(&certFile, "cert", "taskguard.crt", "certificate output path")
	configGenCertCmd.Flags().StringVar(&keyFile, "key", "taskguard.key", "private key output path")
	configGenCertCmd.Flags().StringVar(&certCN, "cn", "localhost", "certificate common name")
}
