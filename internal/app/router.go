package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lodestar-wms/lodestar/internal/analytics"
	"github.com/lodestar-wms/lodestar/internal/catalog"
	"github.com/lodestar-wms/lodestar/internal/observability"
	"github.com/lodestar-wms/lodestar/internal/rbac"
	"github.com/lodestar-wms/lodestar/internal/sales"
	"github.com/lodestar-wms/lodestar/internal/stock"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	CatalogHandler   *catalog.Handler
	StockHandler     *stock.Handler
	SalesHandler     *sales.Handler
	AnalyticsHandler *analytics.Handler
	RBACHandler      *rbac.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		if params.CatalogHandler != nil {
			params.CatalogHandler.MountRoutes(r)
		}
		r.Route("/warehouses/{warehouseID}", func(r chi.Router) {
			if params.CatalogHandler != nil {
				params.CatalogHandler.MountWarehouseRoutes(r)
			}
			if params.StockHandler != nil {
				params.StockHandler.MountRoutes(r)
			}
			if params.SalesHandler != nil {
				params.SalesHandler.MountRoutes(r)
			}
			if params.AnalyticsHandler != nil {
				params.AnalyticsHandler.MountRoutes(r)
			}
			if params.RBACHandler != nil {
				params.RBACHandler.MountRoutes(r)
			}
		})
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
