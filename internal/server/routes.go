// Package server wires HTTP handlers into a chi router.
package server

import (
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/twis/internal/logging"
	"github.com/Tyrowin/twis/web"
)

// Routes returns the application router:
//
//	POST /auth/register, POST /auth/login  credential endpoints
//	GET  /socket                           realtime connection
//	GET  /healthz, GET /metrics            operations
//	GET  /*                                embedded client page
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.RegisterHandler)
		r.Post("/login", s.LoginHandler)
	})

	r.HandleFunc("/socket", s.WebSocketHandler)
	r.Handle("/*", staticHandler())

	return r
}

// staticHandler serves the embedded client assets.
func staticHandler() http.Handler {
	assets, err := fs.Sub(web.Static, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(assets))
}

// requestLogger emits one structured line per HTTP request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http_request")
	})
}
