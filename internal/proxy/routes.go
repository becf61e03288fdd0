package proxy

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

type Server struct {
	router *mux.Router
	addr   string
}

func NewServer(addr string, h *Handlers) *Server {
	router := mux.NewRouter()

	router.HandleFunc("/gps51", h.HandleGPS51).Methods("POST", "OPTIONS")
	router.HandleFunc("/status", h.HandleStatus).Methods("GET")
	router.HandleFunc("/queue/clear", h.HandleClearQueue).Methods("POST")
	router.HandleFunc("/stats/reset", h.HandleResetStats).Methods("POST")
	router.HandleFunc("/poll", h.HandlePoke).Methods("POST")

	return &Server{router: router, addr: addr}
}

func (s *Server) Start() error {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Handler:      corsHandler.Handler(s.router),
		Addr:         s.addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // governed calls may wait out backoff
	}

	return srv.ListenAndServe()
}
