package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/handles"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/pages"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/server"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pagelink-api",
		Short: "Pagelink public page and username service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "redirects",
		Short: "Rebuild the redirect table from the username history and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printRedirects(cmd.Context(), cmd.OutOrStdout())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-token", "", "Bearer token for admin endpoints")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.token", "admin-token")
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

// application holds the components shared by the server and the CLI.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	cache     *handles.RedirectCache
	pageStore *pages.Store
}

func openApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	cache, err := handles.NewRedirectCache(handles.CacheConfig{
		Source: handles.NewStoreSource(db),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:    appConfig,
		logger:    logger,
		db:        db,
		cache:     cache,
		pageStore: pages.NewStore(db, appConfig.SiteHosts...),
	}, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func runServer(ctx context.Context) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	handleService, err := handles.NewService(handles.ServiceConfig{
		Database:   app.db,
		Cache:      app.cache,
		Pages:      app.pageStore,
		Clock:      time.Now,
		IDProvider: handles.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: app.db})
	if err != nil {
		return err
	}
	accountStore := users.NewStore(app.db)

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.config.TAuthSigningKey),
		Issuer:        app.config.TAuthIssuer,
		CookieName:    app.config.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		HandleService:    handleService,
		RedirectCache:    app.cache,
		Resolver:         handles.NewResolver(accountStore, app.cache, logger),
		UserService:      userService,
		AccountStore:     accountStore,
		PageStore:        app.pageStore,
		SessionValidator: sessionValidator,
		RateLimiter:      server.NewRateLimiter(app.config.RatePerMinute, app.config.RateBurst),
		AdminToken:       app.config.AdminToken,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	// Warm the redirect table; the first request rebuilds it if this fails.
	go func() {
		if err := app.cache.RebuildAll(context.Background()); err != nil {
			logger.Warn("redirect cache warm-up failed", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
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

func printRedirects(ctx context.Context, out io.Writer) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.cache.ForceReinitialize(ctx); err != nil {
		return err
	}
	return writeRedirectTable(out, app.cache.Snapshot())
}

func writeRedirectTable(out io.Writer, aliases map[string]string) error {
	oldHandles := make([]string, 0, len(aliases))
	for old := range aliases {
		oldHandles = append(oldHandles, old)
	}
	sort.Strings(oldHandles)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "OLD\tCURRENT")
	for _, old := range oldHandles {
		fmt.Fprintf(writer, "%s\t%s\n", old, aliases[old])
	}
	fmt.Fprintf(writer, "\n%d redirects\n", len(oldHandles))
	return writer.Flush()
}
