package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL        = "database-url"
	flagHTTPListenAddr     = "http-listen-addr"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	flagAdminRole          = "admin-role"
	flagProvider           = "provider"
	flagProviderToken      = "provider-token"
	flagProviderBaseURL    = "provider-base-url"
	flagProviderSecret     = "provider-webhook-secret"
	flagPaddleEnvironment  = "paddle-environment"
	flagProviderTimeout    = "provider-timeout"
	flagRedisURL           = "redis-url"
	flagNotificationTTL    = "notification-ttl"
	flagCheckoutSuccessURL = "checkout-success-url"
	flagCheckoutFailureURL = "checkout-failure-url"
	flagCheckoutPendingURL = "checkout-pending-url"
	flagWebhookURL         = "webhook-url"
	flagRequestTimeout     = "request-timeout"
	flagEnvFile            = "env-file"
	envPrefix              = "CREDITD"
	defaultEnvFile         = ".env"
)

var configFlags = []string{
	flagDatabaseURL, flagHTTPListenAddr, flagGRPCListenAddr, flagAllowedOrigins,
	flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagAdminRole,
	flagProvider, flagProviderToken, flagProviderBaseURL, flagProviderSecret, flagPaddleEnvironment, flagProviderTimeout,
	flagRedisURL, flagNotificationTTL,
	flagCheckoutSuccessURL, flagCheckoutFailureURL, flagCheckoutPendingURL, flagWebhookURL,
	flagRequestTimeout,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit metering, subscription and payment reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment")
	flags.String(flagDatabaseURL, "", "postgres:// or sqlite:// database url")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "gRPC listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagAdminRole, "", "session role allowed to call admin routes")
	flags.String(flagProvider, "", "payment provider: mercadopago or paddle")
	flags.String(flagProviderToken, "", "payment provider access token or API key")
	flags.String(flagProviderBaseURL, "", "payment provider API base url override")
	flags.String(flagProviderSecret, "", "payment provider webhook signing secret")
	flags.String(flagPaddleEnvironment, "", "paddle environment: production or sandbox")
	flags.Duration(flagProviderTimeout, 0, "timeout for provider status pulls (e.g. 10s)")
	flags.String(flagRedisURL, "", "redis url for the notification gate; empty uses an in-process gate")
	flags.Duration(flagNotificationTTL, 0, "how long a processed payment id suppresses duplicate deliveries")
	flags.String(flagCheckoutSuccessURL, "", "checkout success redirect url")
	flags.String(flagCheckoutFailureURL, "", "checkout failure redirect url")
	flags.String(flagCheckoutPendingURL, "", "checkout pending redirect url")
	flags.String(flagWebhookURL, "", "public url of POST /webhook/payment")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout for HTTP handlers")

	cmd.AddCommand(newServeCommand(cfg))
	cmd.AddCommand(newMigrateCommand(cfg))
	cmd.AddCommand(newAuditCommand(cfg))
	cmd.AddCommand(newReconcileCommand(cfg))
	return cmd
}

// loadConfig reads flags, CREDITD_* variables and an optional dotenv file.
// Explicit flags win over the environment.
func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.AdminRole = strings.TrimSpace(v.GetString(flagAdminRole))
	cfg.Provider = strings.TrimSpace(v.GetString(flagProvider))
	cfg.ProviderToken = strings.TrimSpace(v.GetString(flagProviderToken))
	cfg.ProviderBaseURL = strings.TrimSpace(v.GetString(flagProviderBaseURL))
	cfg.ProviderWebhookSecret = v.GetString(flagProviderSecret)
	cfg.PaddleEnvironment = strings.TrimSpace(v.GetString(flagPaddleEnvironment))
	cfg.ProviderTimeout = v.GetDuration(flagProviderTimeout)
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.NotificationTTL = v.GetDuration(flagNotificationTTL)
	cfg.CheckoutSuccessURL = strings.TrimSpace(v.GetString(flagCheckoutSuccessURL))
	cfg.CheckoutFailureURL = strings.TrimSpace(v.GetString(flagCheckoutFailureURL))
	cfg.CheckoutPendingURL = strings.TrimSpace(v.GetString(flagCheckoutPendingURL))
	cfg.WebhookURL = strings.TrimSpace(v.GetString(flagWebhookURL))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	return nil
}
