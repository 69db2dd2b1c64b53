package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func setupRoutes(s *server, logMW func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	// Register the WS route before the logging middleware so the upgrade
	// handler is not wrapped by the status-capturing writer.
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(logMW)
		r.Post("/rewrite", s.handleRewrite)
		r.Post("/context", s.handleSetContext)
	})

	return r
}
