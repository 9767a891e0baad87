package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/limeandcoconut/brents-method/internal/config"
	"github.com/limeandcoconut/brents-method/internal/sse"
)

type Server struct {
	cfg  config.Config
	log  *zap.Logger
	hub  *sse.Hub
	runs *runStore
}

func New(cfg config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:  cfg,
		log:  log,
		hub:  sse.NewHub(),
		runs: newRunStore(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API эндпоинты
	mux.HandleFunc("/solve", s.StartRun)
	mux.HandleFunc("/stop", s.StopRun)
	mux.HandleFunc("/stream", s.Stream)
	mux.HandleFunc("/export", s.ExportCSV)
	mux.HandleFunc("/run", s.GetRun)
	mux.HandleFunc("/batch", s.Batch)

	return mux
}

// Close останавливает все незавершённые запуски
func (s *Server) Close() {
	s.runs.cancelAll()
}
