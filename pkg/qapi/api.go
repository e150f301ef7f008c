// Package qapi exposes run reports and run control over HTTP.
package qapi

import (
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/quatton/qbatch/pkg/qlog"
)

const Version = "1.0.0"

type Api struct {
	Api    huma.API
	Router *chi.Mux
}

type Option func(*options)

type options struct {
	logger *qlog.Logger
}

// WithLogger routes access logs through l instead of chi's stdout logger.
func WithLogger(l *qlog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func NewApi(opts ...Option) *Api {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	if o.logger != nil {
		router.Use(accessLog(o.logger))
	} else {
		router.Use(middleware.Logger)
	}
	router.Use(middleware.Recoverer)

	config := huma.DefaultConfig("qbatch API", Version)
	config.Info.Description = "Run reports and run control for qbatch pipelines."
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
			Description:  "Trigger token from `qbatch token`",
		},
	}

	return &Api{Api: humachi.New(router, config), Router: router}
}

func accessLog(logger *qlog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
