package main

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

type middleware func(http.HandlerFunc) http.HandlerFunc

func chainMiddleware(routeFunction http.HandlerFunc, mw ...middleware) http.HandlerFunc {
	chainedHandler := routeFunction
	// Apply middleware in reverse order
	for i := len(mw) - 1; i >= 0; i-- {
		chainedHandler = mw[i](chainedHandler)
	}
	return chainedHandler
}

// loggingMiddleware logs each request at debug level.
func loggingMiddleware(logger zerolog.Logger) middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next(w, r)
			logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
		}
	}
}

func recoverMiddleware(logger zerolog.Logger) middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Str("path", r.URL.Path).Msg("recovered from panic")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next(w, r)
		}
	}
}
