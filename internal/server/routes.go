package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// ChatPath is the WebSocket endpoint.
const ChatPath = "/chat"

// Routes configures the application routes. The chat endpoint only matches
// GET; other methods get 405 from the router.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(ChatPath, s.WebSocketHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", s.StatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)
	router.HandleFunc("/", HealthHandler)
	return router
}
