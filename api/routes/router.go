package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orchardlane/storefront-backend/api/controllers"
	"github.com/orchardlane/storefront-backend/api/middleware"
	"github.com/orchardlane/storefront-backend/internal/addresses"
	checkoutsvc "github.com/orchardlane/storefront-backend/internal/checkout"
	"github.com/orchardlane/storefront-backend/internal/contact"
	"github.com/orchardlane/storefront-backend/internal/orders"
	"github.com/orchardlane/storefront-backend/internal/products"
	"github.com/orchardlane/storefront-backend/pkg/config"
	"github.com/orchardlane/storefront-backend/pkg/logger"
	"github.com/orchardlane/storefront-backend/pkg/metrics"
	pkgredis "github.com/orchardlane/storefront-backend/pkg/redis"
)

// Deps bundles what the router needs beyond domain services.
type Deps struct {
	Config    *config.Config
	Logger    *logger.Logger
	Redis     pkgredis.IdempotencyStore
	Registry  *prometheus.Registry
	HTTP      *metrics.HTTPMetrics
	Readiness map[string]controllers.Pinger
	Products  products.Service
	Checkout  checkoutsvc.Service
	Orders    orders.Service
	Addresses addresses.Service
	Contact   contact.Service
}

func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	logg := d.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)
	if d.HTTP != nil {
		r.Use(middleware.Metrics(d.HTTP))
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, d.Readiness))
	})

	if d.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/products", func(r chi.Router) {
		r.Get("/", controllers.ListProducts(d.Products, logg))
		r.Get("/category/{category}", controllers.ListProductsByCategory(d.Products, logg))
		r.Get("/{productId}", controllers.GetProduct(d.Products, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(d.Redis, logg))

		r.Route("/orders", func(r chi.Router) {
			r.Post("/checkout", controllers.Checkout(d.Checkout, logg))
			r.Post("/payment/initiate", controllers.PaymentInitiate(d.Checkout, logg))
			r.Post("/payment/verify", controllers.PaymentVerify(d.Checkout, logg))
			r.Get("/my-orders", controllers.MyOrders(d.Orders, logg))
			r.Get("/{orderId}", controllers.OrderDetail(d.Orders, logg))
			r.Post("/{orderId}/cancel", controllers.CancelOrder(d.Orders, logg))
		})

		r.Route("/addresses", func(r chi.Router) {
			r.Get("/", controllers.ListAddresses(d.Addresses, logg))
			r.Post("/", controllers.CreateAddress(d.Addresses, logg))
			r.Get("/{addressId}", controllers.GetAddress(d.Addresses, logg))
			r.Put("/{addressId}", controllers.UpdateAddress(d.Addresses, logg))
			r.Delete("/{addressId}", controllers.DeleteAddress(d.Addresses, logg))
			r.Patch("/{addressId}/default", controllers.SetDefaultAddress(d.Addresses, logg))
		})

		r.Post("/contact", controllers.SubmitContactMessage(d.Contact, logg))
		r.Get("/contact", controllers.MyContactMessages(d.Contact, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole("admin", logg))
		r.Use(middleware.Idempotency(d.Redis, logg))

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", controllers.AdminListOrders(d.Orders, logg))
			r.Put("/{orderId}/status", controllers.UpdateOrderStatus(d.Orders, logg))
			r.Post("/{orderId}/refund", controllers.RefundOrder(d.Orders, logg))
		})

		r.Route("/products", func(r chi.Router) {
			r.Post("/", controllers.CreateProduct(d.Products, logg))
			r.Patch("/{productId}", controllers.UpdateProduct(d.Products, logg))
			r.Delete("/{productId}", controllers.DeleteProduct(d.Products, logg))
		})

		r.Get("/contact", controllers.ListContactMessages(d.Contact, logg))
	})

	return r
}
