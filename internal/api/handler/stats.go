package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/petrakisd/genhive/internal/cache"
)

// statsCacheTTL matches the staleness clients are told to expect.
const statsCacheTTL = 50 * time.Second

// ModelLister names the models whose counters the stats endpoint reports.
type ModelLister interface {
	ModelNames() []string
}

// NewStatsTotalsHandler returns the http.HandlerFunc for GET /api/v2/stats/text/totals.
func NewStatsTotalsHandler(c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveCompiled(w, r.Context(), c, "totals", func(ctx context.Context) (any, error) {
			total, err := c.GetCounter(ctx, cache.StatsTotalKey())
			if err != nil {
				return nil, err
			}
			return map[string]int64{"total": total}, nil
		})
	}
}

// NewStatsModelsHandler returns the http.HandlerFunc for GET /api/v2/stats/text/models.
func NewStatsModelsHandler(c cache.Cache, lister ModelLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveCompiled(w, r.Context(), c, "models", func(ctx context.Context) (any, error) {
			out := make(map[string]int64)
			for _, m := range lister.ModelNames() {
				n, err := c.GetCounter(ctx, cache.StatsModelKey(m))
				if err != nil {
					return nil, err
				}
				out[m] = n
			}
			return out, nil
		})
	}
}

// serveCompiled serves the compiled stats body from cache, rebuilding it
// after the TTL lapses.
func serveCompiled(w http.ResponseWriter, ctx context.Context, c cache.Cache, kind string, build func(context.Context) (any, error)) {
	key := cache.StatsCompiledKey(kind)
	if body, ok, err := c.Get(ctx, key); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	data, err := build(ctx)
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	body, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	_ = c.Set(ctx, key, body, statsCacheTTL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
