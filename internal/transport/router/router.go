package router

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trunov/secondhand/internal/entities"
	"github.com/trunov/secondhand/internal/transport/handler"
)

type Options struct {
	// PublicDir is served under PublicPrefix. Transient and processing
	// directories are never mounted.
	PublicDir    string
	PublicPrefix string
	AdminToken   string
	Gatherer     prometheus.Gatherer
}

func NewRouter(h *handler.Handler, opts Options) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ping", h.Ping)

	r.Route("/listings", func(r chi.Router) {
		r.Post("/", h.CreateListing)
		r.Get("/", h.ListListings)
		r.Get("/{id}", h.GetListing)
	})
	r.Post("/parse-listing", h.ParseListing)

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminOnly(opts.AdminToken))
		r.Get("/listings", h.ListListings)
		r.Delete("/listings/{id}", h.DeleteListing)
	})

	if opts.PublicDir != "" {
		prefix := strings.TrimSuffix(opts.PublicPrefix, "/")
		fs := http.StripPrefix(prefix+"/", http.FileServer(noListing{http.Dir(opts.PublicDir)}))
		r.Get(prefix+"/*", fs.ServeHTTP)
	}

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// adminOnly requires "Authorization: Bearer <token>". An empty token
// disables the admin routes entirely.
func adminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(handler.APIError{
					Error: "unauthorized",
					Kind:  string(entities.KindUnauthorized),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// noListing hides directory indexes of the public photo directory.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
