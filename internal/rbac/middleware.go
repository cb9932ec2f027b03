package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lodestar-wms/lodestar/internal/shared"
)

// Middleware guards routes with warehouse-scoped permission checks.
type Middleware struct {
	Checker Checker
	Logger  *slog.Logger
}

// RequireWarehouse demands the given level over the warehouse named by the
// urlParam route parameter. The actor must already be on the request context.
func (m Middleware) RequireWarehouse(urlParam string, level PermissionLevel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID, ok := shared.ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			warehouseID, err := uuid.Parse(chi.URLParam(r, urlParam))
			if err != nil {
				http.Error(w, "invalid warehouse id", http.StatusBadRequest)
				return
			}
			decision, err := m.Checker.HasPermission(r.Context(), actorID, ResourceTypeWarehouse, warehouseID, level)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("permission check failed", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !decision.Allowed {
				http.Error(w, decision.Reason, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
