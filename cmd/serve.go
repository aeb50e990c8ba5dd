package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/apod-cache/internal/apperr"
	"github.com/sells-group/apod-cache/internal/model"
)

var servePort int

// assetSource is what the read API needs from the data store.
type assetSource interface {
	Cached(kind model.MediaKind) *model.Asset
	RefreshCachedAssets(ctx context.Context) (model.RefreshResult, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cached assets over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCache(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		env.Fetcher.Reattach(ctx, "")

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env.Data),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func buildRouter(src assetSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/assets", func(w http.ResponseWriter, r *http.Request) {
			out := make(map[model.MediaKind]*model.Asset, len(model.MediaKinds))
			for _, k := range model.MediaKinds {
				out[k] = src.Cached(k)
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Get("/assets/{kind}", func(w http.ResponseWriter, r *http.Request) {
			a, ok := lookupAsset(w, r, src)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, a)
		})

		r.Get("/assets/{kind}/file", func(w http.ResponseWriter, r *http.Request) {
			a, ok := lookupAsset(w, r, src)
			if !ok {
				return
			}
			http.ServeFile(w, r, a.CachedLocation)
		})

		r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
			res, err := src.RefreshCachedAssets(r.Context())
			body := map[string]any{
				"status":  res.Status,
				"updated": res.Updated,
				"skipped": res.Skipped,
			}
			if err != nil {
				body["error"] = err.Error()
				writeJSON(w, refreshStatusCode(err), body)
				return
			}
			writeJSON(w, http.StatusOK, body)
		})
	})

	return r
}

// lookupAsset resolves the {kind} URL parameter to a cached asset, writing
// an error response when there is none.
func lookupAsset(w http.ResponseWriter, r *http.Request, src assetSource) (*model.Asset, bool) {
	kind := model.MediaKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown media kind %q", kind))
		return nil, false
	}
	a := src.Cached(kind)
	if !a.IsCached() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no cached %s", kind))
		return nil, false
	}
	return a, true
}

func refreshStatusCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindBusy:
		return http.StatusConflict
	case apperr.KindCancelled:
		return http.StatusServiceUnavailable
	case apperr.KindStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
