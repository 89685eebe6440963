package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/formloom/formloom/backend/internal/config"
	"github.com/formloom/formloom/backend/internal/database"
	"github.com/formloom/formloom/backend/internal/forms"
	"github.com/formloom/formloom/backend/internal/logging"
	"github.com/formloom/formloom/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile      string
	formFlag     string
	snapshotFlag string
	outputFlag   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "formloom-api",
		Short: "Formloom submissions backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newReconcileCommand(), newRecoverCommand(), newExportCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
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

// newEnvironment builds the shared config, logger, database handle and
// forms service used by the server and every batch subcommand.
func newEnvironment() (config.AppConfig, *zap.Logger, *forms.Service, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}
	cleanup := func() {
		sqlDB.Close() //nolint:errcheck
		logger.Sync() //nolint:errcheck
	}

	formsService, err := forms.NewService(forms.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: forms.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		cleanup()
		return config.AppConfig{}, nil, nil, nil, err
	}

	return appConfig, logger, formsService, cleanup, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, formsService, cleanup, err := newEnvironment()
	if err != nil {
		return err
	}
	defer cleanup()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		FormsService:   formsService,
		SnapshotOpener: database.OpenSnapshot,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Relink a form's unlinked responses to its current fields by label",
		RunE: func(cmd *cobra.Command, args []string) error {
			formID, err := forms.NewFormID(formFlag)
			if err != nil {
				return err
			}

			_, _, formsService, cleanup, err := newEnvironment()
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := formsService.ReconcileResponses(cmd.Context(), formID)
			if err != nil {
				// Rows migrated before the failure stay migrated.
				fmt.Fprintf(cmd.OutOrStdout(), "migrated before failure: %d\n", report.MigratedCount)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "migrated: %d\n", report.MigratedCount)
			for _, label := range report.UnmatchedLabels {
				fmt.Fprintf(cmd.OutOrStdout(), "unmatched: %s\n", label)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&formFlag, "form", "", "Form identifier")
	cmd.MarkFlagRequired("form") //nolint:errcheck
	return cmd
}

func newRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Replay a form's missing submissions and responses from a snapshot store",
		RunE: func(cmd *cobra.Command, args []string) error {
			formID, err := forms.NewFormID(formFlag)
			if err != nil {
				return err
			}

			_, _, formsService, cleanup, err := newEnvironment()
			if err != nil {
				return err
			}
			defer cleanup()

			source, closeSource, err := database.OpenSnapshot(snapshotFlag)
			if err != nil {
				return err
			}
			defer closeSource() //nolint:errcheck

			report, err := formsService.RecoverFromSnapshot(cmd.Context(), source, formID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "recovered submissions: %d\n", report.RecoveredSubmissions)
			fmt.Fprintf(cmd.OutOrStdout(), "recovered responses: %d\n", report.RecoveredResponses)
			for _, failure := range report.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "failure: %s\n", failure)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&formFlag, "form", "", "Form identifier")
	cmd.Flags().StringVar(&snapshotFlag, "snapshot", "", "Path to the snapshot database")
	cmd.MarkFlagRequired("form")     //nolint:errcheck
	cmd.MarkFlagRequired("snapshot") //nolint:errcheck
	return cmd
}

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a form's submissions as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			formID, err := forms.NewFormID(formFlag)
			if err != nil {
				return err
			}

			_, _, formsService, cleanup, err := newEnvironment()
			if err != nil {
				return err
			}
			defer cleanup()

			table, err := formsService.ExportSubmissions(cmd.Context(), formID)
			if err != nil {
				return err
			}

			if outputFlag == "" || outputFlag == "-" {
				return table.WriteCSV(cmd.OutOrStdout())
			}

			file, err := os.Create(outputFlag)
			if err != nil {
				return err
			}
			defer file.Close() //nolint:errcheck
			return table.WriteCSV(file)
		},
	}
	cmd.Flags().StringVar(&formFlag, "form", "", "Form identifier")
	cmd.Flags().StringVar(&outputFlag, "output", "-", "Output file path, - for stdout")
	cmd.MarkFlagRequired("form") //nolint:errcheck
	return cmd
}
