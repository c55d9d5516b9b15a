package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/pflag"

	"cascade-backend/internal/admin"
	"cascade-backend/internal/auth"
	"cascade-backend/internal/config"
	"cascade-backend/internal/engine"
	"cascade-backend/internal/metadata"
	"cascade-backend/internal/metrics"
	"cascade-backend/internal/store"
)

func main() {
	ctx := context.Background()
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	config.RegisterFlags(flags)
	issueToken := flags.String("issue-token", "", "print an access token for this subject and exit")
	roles := flags.StringSlice("roles", []string{"admin"}, "roles carried by --issue-token")
	flags.Parse(os.Args[1:]) //nolint:errcheck // ExitOnError

	// 1. Load config
	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *issueToken != "" {
		if cfg.JWTSecret == "" {
			log.Fatal("jwt_secret is not configured")
		}
		token, err := auth.GenerateAccessToken(*issueToken, *roles, cfg.JWTSecret, 0)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}
	log.Printf("Config loaded (port: %d, db: %s %s, schema: %s)", cfg.Server.Port, cfg.Database.Driver, cfg.Database.Name, cfg.Schema.File)

	// 2. Load the entity and relation descriptors
	reg := metadata.NewRegistry()
	if err := metadata.LoadFile(cfg.Schema.File, reg); err != nil {
		log.Fatalf("Failed to load schema: %v", err)
	}

	// 3. Connect to database
	if cfg.Database.IsSQLite() && cfg.Database.Name != ":memory:" {
		if err := os.MkdirAll(cfg.Database.Path, 0o755); err != nil {
			log.Fatalf("Failed to create data dir: %v", err)
		}
	}
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Printf("Database connected (%s)", db.Driver())

	// 4. Create or extend tables
	migrator := store.NewMigrator(db, reg)
	if err := migrator.MigrateAll(ctx); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	log.Println("Tables ready")

	if cfg.Cascade.EventRetentionDays > 0 {
		retention := store.NewEventRetention(db, cfg.Cascade.EventRetentionDays)
		retention.Start(time.Hour)
		defer retention.Stop()
	}

	// 5. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 6. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 7. Metrics
	uowOpts := store.UnitOfWorkOptions{Detach: cfg.Cascade.Detach}
	if cfg.Metrics.Enabled {
		recorder := metrics.NewRecorder()
		uowOpts.Observer = recorder
		uowOpts.CommitObserver = recorder
		app.Get(cfg.Metrics.Path, recorder.Handler())
	}

	// 8. Auth middleware, when a secret is configured
	var userMW, adminMW []fiber.Handler
	if cfg.JWTSecret != "" {
		authMW := auth.AuthMiddleware(cfg.JWTSecret)
		userMW = []fiber.Handler{authMW}
		adminMW = []fiber.Handler{authMW, auth.RequireAdmin()}
	} else {
		log.Printf("WARN: jwt_secret is empty, API routes are unauthenticated")
	}

	// 9. Admin routes
	adminHandler := admin.NewHandler(db, reg)
	admin.RegisterAdminRoutes(app, adminHandler, adminMW...)

	// 10. Record routes
	engineHandler := engine.NewHandler(db, reg, uowOpts)
	engine.RegisterDynamicRoutes(app, engineHandler, userMW...)

	// 11. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s (entities: %s)", addr, entityNames(reg))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, err)
	}

	// 12. Serve until SIGINT/SIGTERM, then let deferred cleanup run
	if err := serve(sigCtx, app, ln); err != nil {
		log.Printf("ERROR: server stopped: %v", err)
	}
	log.Println("Server stopped")
}

const shutdownTimeout = 10 * time.Second

// serve runs app on ln until ctx is done and then shuts it down, waiting
// for in-flight requests up to shutdownTimeout.
func serve(ctx context.Context, app *fiber.App, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- app.Listener(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}

func entityNames(reg *metadata.Registry) string {
	var names []string
	for _, e := range reg.AllEntities() {
		names = append(names, e.Name)
	}
	return strings.Join(names, ", ")
}
