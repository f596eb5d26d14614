package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/inkledger/internal/config"
	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagListenAddr          = "listen-addr"
	flagShutdownTimeout     = "shutdown-timeout"
	flagDatabaseURL         = "database-url"
	flagDatabaseDriver      = "database-driver"
	flagStoreBackend        = "store-backend"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagProviderBaseURL     = "provider-base-url"
	flagProviderAPIKey      = "provider-api-key"
	flagProviderTimeout     = "provider-timeout"
	flagProviderRate        = "provider-rate"
	flagProviderBurst       = "provider-burst"
	flagMockProvider        = "mock-provider"
	flagReservationTTL      = "reservation-ttl"
	flagRedisAddr           = "redis-addr"
	flagRateLimitRequests   = "rate-limit-requests"
	flagRateLimitWindow     = "rate-limit-window"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagFrontendURL         = "frontend-url"
	flagReconcileSchedule   = "reconcile-schedule"
	flagReconcileBatch      = "reconcile-batch"
	envPrefix               = "INKLEDGER"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "inkledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "inkledgerd",
		Short:         "Credit ledger and transformation API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			if cmd.HasParent() {
				return cfg.ValidateStorage()
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagListenAddr, "", "HTTP listen address (default :8080)")
	flags.Duration(flagShutdownTimeout, 0, "graceful shutdown timeout")
	flags.String(flagDatabaseURL, "", "postgres:// URL or sqlite path (required)")
	flags.String(flagDatabaseDriver, "", "postgres or sqlite (inferred from the URL when empty)")
	flags.String(flagStoreBackend, "", "gorm or pgx (pgx requires postgres)")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagProviderBaseURL, "", "transformation provider base URL")
	flags.String(flagProviderAPIKey, "", "transformation provider API key")
	flags.Duration(flagProviderTimeout, 0, "timeout for one transformation")
	flags.Float64(flagProviderRate, 0, "outbound provider requests per second (0 disables pacing)")
	flags.Int(flagProviderBurst, 0, "outbound provider burst")
	flags.Bool(flagMockProvider, false, "serve transformations from the built-in mock provider")
	flags.Duration(flagReservationTTL, 0, "how long a credit hold lives before expiry")
	flags.String(flagRedisAddr, "", "Redis address for request rate limiting (empty disables)")
	flags.Int(flagRateLimitRequests, 0, "requests allowed per window per user and route")
	flags.Duration(flagRateLimitWindow, 0, "rate limit window")
	flags.String(flagStripeSecretKey, "", "Stripe secret key (empty disables checkout)")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret (empty disables webhooks)")
	flags.String(flagFrontendURL, "", "frontend base URL for checkout redirects")
	flags.String(flagReconcileSchedule, "", "cron schedule for the reconciliation jobs")
	flags.Int(flagReconcileBatch, 0, "rows repaired per reconciliation job run")

	cmd.AddCommand(newMigrateCommand(cfg), newReconcileCommand(cfg), newPackagesCommand(cfg))
	return cmd
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and seed the package catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), *cfg)
		},
	}
}

func newReconcileCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Expire stale holds and finish unapplied grants once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcileOnce(cmd.Context(), *cfg)
		},
	}
}

func newPackagesCommand(cfg *config.Config) *cobra.Command {
	packagesCmd := &cobra.Command{
		Use:   "packages",
		Short: "Manage the credit package catalog",
	}
	packagesCmd.AddCommand(&cobra.Command{
		Use:   "set-price-ref <package-id> <price-ref>",
		Short: "Attach a payment provider price id to a package",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			packageID, err := ledger.NewPackageID(args[0])
			if err != nil {
				return err
			}
			return runSetPriceRef(cmd.Context(), *cfg, packageID, args[1])
		},
	})
	return packagesCmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagListenAddr, flagShutdownTimeout, flagDatabaseURL, flagDatabaseDriver, flagStoreBackend,
		flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
		flagProviderBaseURL, flagProviderAPIKey, flagProviderTimeout, flagProviderRate, flagProviderBurst, flagMockProvider,
		flagReservationTTL, flagRedisAddr, flagRateLimitRequests, flagRateLimitWindow,
		flagStripeSecretKey, flagStripeWebhookSecret, flagFrontendURL, flagReconcileSchedule, flagReconcileBatch,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.ShutdownTimeout = v.GetDuration(flagShutdownTimeout)
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.DatabaseDriver = strings.TrimSpace(v.GetString(flagDatabaseDriver))
	cfg.StoreBackend = strings.TrimSpace(v.GetString(flagStoreBackend))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.ProviderBaseURL = strings.TrimSpace(v.GetString(flagProviderBaseURL))
	cfg.ProviderAPIKey = v.GetString(flagProviderAPIKey)
	cfg.ProviderTimeout = v.GetDuration(flagProviderTimeout)
	cfg.ProviderRatePerSecond = v.GetFloat64(flagProviderRate)
	cfg.ProviderBurst = v.GetInt(flagProviderBurst)
	cfg.MockProvider = v.GetBool(flagMockProvider)
	cfg.ReservationTTL = v.GetDuration(flagReservationTTL)
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RateLimitRequests = v.GetInt(flagRateLimitRequests)
	cfg.RateLimitWindow = v.GetDuration(flagRateLimitWindow)
	cfg.StripeSecretKey = strings.TrimSpace(v.GetString(flagStripeSecretKey))
	cfg.StripeWebhookSecret = strings.TrimSpace(v.GetString(flagStripeWebhookSecret))
	cfg.FrontendURL = strings.TrimSpace(v.GetString(flagFrontendURL))
	cfg.ReconcileSchedule = strings.TrimSpace(v.GetString(flagReconcileSchedule))
	cfg.ReconcileBatch = v.GetInt(flagReconcileBatch)
	return nil
}
