package historyhttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-access/internal/permissions"
)

const (
	rateLimit  = 10
	rateWindow = time.Minute
)

// MountRoutes registers the history endpoints. Export and rollback are rate limited per principal.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Get("/history", h.handleList)
	r.Get("/history/compare", h.handleCompare)
	r.Get("/history/{ref}", h.handleGet)
	r.Get("/history/{ref}/{entityID}", h.handleEntity)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Get("/history/export", h.handleExport)
		gr.Post("/history/{ref}/rollback", h.handleRollback)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if p, ok := permissions.PrincipalFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(p.GetID(), 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
