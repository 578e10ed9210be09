package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/auth"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/config"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/logging"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/server"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/syncqueue"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "tutorsync",
		Short: "Offline sync daemon for the tutoring marketplace client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newQueueCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Document database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-url", "", "Postgres connection URL")
	cmd.PersistentFlags().String("storage-driver", defaults.GetString("storage.driver"), "Queue storage driver (sqlite, redis, memory)")
	cmd.PersistentFlags().String("materials-dir", defaults.GetString("materials.dir"), "Directory for offline material copies")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "storage.driver", "storage-driver")
	bindFlag(cmd, "materials.dir", "materials-dir")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openDaemon(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:      validator,
		Ledger:         app.ledger,
		Sessions:       app.registry,
		Materials:      app.materials,
		Connectivity:   app.monitor,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logging.Component(logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newTokenCommand() *cobra.Command {
	var userID string
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a local UI shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(userID, roles...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID to embed in the token")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to embed in the token (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newQueueCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Print the pending offline actions of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			local, err := openLocalState(cmd.Context(), appConfig, logger)
			if err != nil {
				return err
			}
			defer local.Close()

			store, err := syncqueue.NewQueueStore(local.kv, userID, logger)
			if err != nil {
				return err
			}
			entries, err := store.ReadAll(cmd.Context())
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(entries)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User whose queue to print")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
