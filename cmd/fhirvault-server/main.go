package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirvault/fhirvault/internal/config"
	"github.com/fhirvault/fhirvault/internal/domain/groups"
	"github.com/fhirvault/fhirvault/internal/domain/identity"
	"github.com/fhirvault/fhirvault/internal/domain/resources"
	"github.com/fhirvault/fhirvault/internal/platform/auth"
	"github.com/fhirvault/fhirvault/internal/platform/db"
	"github.com/fhirvault/fhirvault/internal/platform/middleware"
	"github.com/fhirvault/fhirvault/internal/platform/search"
)

const serverVersion = "0.1.0"

// identityProvider adapts the identity service to the authorization server's
// user interface, keeping platform/auth free of domain imports.
type identityProvider struct {
	svc *identity.Service
}

func (p *identityProvider) Authenticate(ctx context.Context, username, password string) (*auth.UserInfo, error) {
	u, err := p.svc.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return &auth.UserInfo{Username: u.Username, Role: u.Role, FHIRUser: u.FHIRUser}, nil
}

func (p *identityProvider) Lookup(ctx context.Context, username string) (*auth.UserInfo, error) {
	u, err := p.svc.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	return &auth.UserInfo{Username: u.Username, Role: u.Role, FHIRUser: u.FHIRUser}, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirvault-server",
		Short: "FHIR R4 document-store server with SMART on FHIR authorization",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(useraddCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API and authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, 0)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, 0)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func useraddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "useradd",
		Short: "Create a user for login and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			role, _ := cmd.Flags().GetString("role")
			fhirUser, _ := cmd.Flags().GetString("fhir-user")
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, 0)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := identity.NewService(identity.NewRepo(pool), zerolog.Nop())
			u, err := svc.Create(ctx, identity.CreateParams{
				Username: username,
				Password: password,
				Role:     role,
				FHIRUser: fhirUser,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created user %s (role %s).\n", u.Username, u.Role)
			return nil
		},
	}
	cmd.Flags().String("username", "", "Login name")
	cmd.Flags().String("password", "", "Password (min 8 characters)")
	cmd.Flags().String("role", identity.RoleAdmin, "Role: admin, developer, practitioner, patient or smart_user")
	cmd.Flags().String("fhir-user", "", "FHIR principal reference, e.g. Practitioner/123")
	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	storeTimeout := time.Duration(cfg.StoreTimeoutSecs) * time.Second

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, storeTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Search pipeline: resolver + preprocessor compile parameters, the
	// backend executes them against the index server or the store directly.
	resolver := search.NewResolver(logger)
	if cfg.IGParamsFile != "" {
		if err := resolver.LoadIGFile(cfg.IGParamsFile); err != nil {
			logger.Fatal().Err(err).Str("file", cfg.IGParamsFile).Msg("failed to load IG search parameters")
		}
		logger.Info().Str("file", cfg.IGParamsFile).Msg("IG search parameters loaded")
	}
	pre := search.NewPreprocessor(resolver, logger)

	var backend search.Backend
	if cfg.SearchUseQuery {
		backend = search.NewQueryBackend(pool, logger)
		logger.Info().Msg("search backend: store queries")
	} else {
		backend = search.NewIndexClient(cfg.FTSEndpoint, storeTimeout, logger)
		logger.Info().Str("endpoint", cfg.FTSEndpoint).Msg("search backend: full-text index")
	}
	searchSvc := search.NewService(backend, cfg.SearchMaxKeys, logger)

	// Resource pipeline
	resourceSvc := resources.NewService(resources.NewRepo(pool), searchSvc, pre, resources.PoolTxRunner(pool), logger)
	resourceSvc.SetStoreTimeout(storeTimeout)
	resourceHandler := resources.NewHandler(resourceSvc, cfg.Issuer(), serverVersion)

	// Identity and group filters
	userSvc := identity.NewService(identity.NewRepo(pool), logger)
	identityHandler := identity.NewHandler(userSvc)
	groupHandler := groups.NewHandler(groups.NewService(resourceSvc, logger))

	// Authorization server. The signing key must be usable before the server
	// accepts a request; a persisted key that cannot be parsed is fatal.
	keys := auth.NewKeyManager(auth.NewConfigStore(pool), logger)
	if err := keys.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize signing key")
	}

	recordStore := auth.NewMemoryRecordStore(15 * time.Minute)
	stopRecordSweeper := recordStore.StartSweeper(time.Minute)
	defer stopRecordSweeper()
	records := auth.WithPatientContext(recordStore)

	sessions := auth.NewSessionStore(time.Duration(cfg.SessionTTLMinutes) * time.Minute)
	stopSessionSweeper := sessions.StartSweeper(time.Minute)
	defer stopSessionSweeper()

	var builtin []*auth.Client
	if cfg.AdminClientSecret != "" {
		builtin = append(builtin, auth.BuiltinAdminClient(cfg.AdminClientID, cfg.AdminClientSecret, cfg.AdminClientScopes))
	} else {
		logger.Warn().Msg("ADMIN_UI_CLIENT_SECRET not set; builtin admin client disabled")
	}
	clients := auth.NewCompositeClients(builtin, auth.NewClientRepo(pool))

	authServer := auth.NewServer(auth.ServerParams{
		Clients:        clients,
		Records:        records,
		Sessions:       sessions,
		Keys:           keys,
		Users:          &identityProvider{svc: userSvc},
		Patients:       auth.NewPatientDirectory(resourceSvc),
		Issuer:         cfg.Issuer(),
		AccessTokenTTL: time.Duration(cfg.TokenExpiryHours) * time.Hour,
		Logger:         logger,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.Audit(logger))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": serverVersion,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// OAuth2/SMART endpoints: login, picker, consent, token, discovery.
	// These stay outside the JWT middleware; the flow itself is the gate.
	authServer.RegisterRoutes(e)

	// FHIR REST surface. Metadata is public; everything else requires a
	// bearer token whose SMART scopes cover the type and operation.
	fhirPublic := e.Group("/fhir")
	fhirProtected := e.Group("/fhir",
		middleware.RequestTimeout(storeTimeout),
		auth.JWTMiddleware(keys, cfg.Issuer()),
		auth.ScopeMiddleware(),
		actorContext(),
	)
	resourceHandler.RegisterRoutes(fhirPublic, fhirProtected)

	// Admin API: users, group filters, SMART app registration.
	apiV1 := e.Group("/api/v1",
		middleware.RequestTimeout(storeTimeout),
		auth.JWTMiddleware(keys, cfg.Issuer()),
		auth.RequireSystemScope(),
		actorContext(),
	)
	identityHandler.RegisterRoutes(apiV1)
	groupHandler.RegisterRoutes(apiV1)
	auth.NewClientHandler(clients).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("issuer", cfg.Issuer()).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// actorContext records the token principal for audit stamping on writes.
func actorContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			actor := auth.UserIDFromContext(ctx)
			if actor == "" {
				actor = auth.ClientIDFromContext(ctx)
			}
			if actor != "" {
				c.SetRequest(c.Request().WithContext(resources.ContextWithActor(ctx, actor)))
			}
			return next(c)
		}
	}
}
