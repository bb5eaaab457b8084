package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orchardlane/storefront-backend/api/controllers"
	"github.com/orchardlane/storefront-backend/api/routes"
	"github.com/orchardlane/storefront-backend/internal/addresses"
	checkoutsvc "github.com/orchardlane/storefront-backend/internal/checkout"
	"github.com/orchardlane/storefront-backend/internal/contact"
	"github.com/orchardlane/storefront-backend/internal/coupons"
	"github.com/orchardlane/storefront-backend/internal/inventory"
	"github.com/orchardlane/storefront-backend/internal/orders"
	"github.com/orchardlane/storefront-backend/internal/products"
	"github.com/orchardlane/storefront-backend/pkg/config"
	"github.com/orchardlane/storefront-backend/pkg/db"
	"github.com/orchardlane/storefront-backend/pkg/logger"
	"github.com/orchardlane/storefront-backend/pkg/metrics"
	"github.com/orchardlane/storefront-backend/pkg/migrate"
	"github.com/orchardlane/storefront-backend/pkg/outbox"
	"github.com/orchardlane/storefront-backend/pkg/razorpay"
	"github.com/orchardlane/storefront-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gateway, err := razorpay.NewClient(
		cfg.Razorpay.KeyID,
		cfg.Razorpay.KeySecret,
		razorpay.WithBaseURL(cfg.Razorpay.BaseURL),
		razorpay.WithTimeout(cfg.Razorpay.Timeout),
		razorpay.WithMaxRetries(cfg.Razorpay.MaxRetries),
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create payment gateway client", err)
		os.Exit(1)
	}

	outboxSvc := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	stockEngine := inventory.NewEngine()

	productsRepo := products.NewRepository(dbClient.DB())
	productsSvc, err := products.NewService(productsRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create products service", err)
		os.Exit(1)
	}

	ordersRepo := orders.NewRepository(dbClient.DB())
	ordersSvc, err := orders.NewService(ordersRepo, dbClient, outboxSvc, stockEngine, gateway)
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	checkoutService, err := checkoutsvc.NewService(
		dbClient,
		ordersRepo,
		productsRepo,
		coupons.NewRepository(dbClient.DB()),
		stockEngine,
		outboxSvc,
		gateway,
		cfg.Checkout,
		cfg.Razorpay,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create checkout service", err)
		os.Exit(1)
	}

	addressesSvc, err := addresses.NewService(dbClient, dbClient.DB())
	if err != nil {
		logg.Error(context.Background(), "failed to create addresses service", err)
		os.Exit(1)
	}

	contactSvc, err := contact.NewService(dbClient.DB(), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create contact service", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(registry)

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Deps{
			Config:   cfg,
			Logger:   logg,
			Redis:    redisClient,
			Registry: registry,
			HTTP:     httpMetrics,
			Readiness: map[string]controllers.Pinger{
				"postgres": dbClient,
				"redis":    redisClient,
			},
			Products:  productsSvc,
			Checkout:  checkoutService,
			Orders:    ordersSvc,
			Addresses: addressesSvc,
			Contact:   contactSvc,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
