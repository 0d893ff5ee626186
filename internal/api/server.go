package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"

	"github.com/dgallion1/doubtsolve/internal/config"
	"github.com/dgallion1/doubtsolve/internal/document"
	"github.com/dgallion1/doubtsolve/internal/llm"
	"github.com/dgallion1/doubtsolve/internal/session"
	"github.com/dgallion1/doubtsolve/internal/speech"
	"github.com/dgallion1/doubtsolve/internal/tutor"
)

// Server is the HTTP API for doubtsolve sessions.
type Server struct {
	router     chi.Router
	store      *session.Store
	tutor      *tutor.Tutor
	recognizer speech.Recognizer
	stats      *llm.Stats
	docOpts    document.Options
	limiters   *limiterSet
	log        *slog.Logger
	cfg        config.Config
}

// NewServer creates and configures the HTTP server. rec, stats and log may
// be nil.
func NewServer(store *session.Store, tu *tutor.Tutor, rec speech.Recognizer, stats *llm.Stats, log *slog.Logger, cfg config.Config) *Server {
	if rec == nil {
		rec = speech.Disabled{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		store:      store,
		tutor:      tu,
		recognizer: rec,
		stats:      stats,
		docOpts: document.Options{
			Rasterizer:        document.Pdftoppm{Binary: cfg.PdftoppmPath, DPI: cfg.RasterDPI},
			FallbackPdftotext: cfg.PDFFallbackPdftotext,
		},
		limiters: newLimiterSet(cfg.RatePerMinute, cfg.RateBurst),
		log:      log,
		cfg:      cfg,
	}
	store.OnRemove(s.limiters.Forget)
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKey, s.log))

		// The event stream is flushed per fragment and must not be buffered
		// by the compressor.
		r.Post("/api/sessions/{id}/answer/stream", s.handleAnswerStream)

		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })

			r.Post("/api/sessions", s.handleCreateSession)
			r.Route("/api/sessions/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Put("/document", s.handleReplaceDocument)
				r.Get("/page", s.handlePage)
				r.Post("/next", s.handleNext)
				r.Post("/previous", s.handlePrevious)
				r.Post("/answer", s.handleAnswer)
				r.Post("/explain", s.handleExplain)
				r.Get("/notes.docx", s.handleNotes)
			})
			r.Post("/api/transcribe", s.handleTranscribe)
			r.Get("/api/stats/llm", s.handleLLMStats)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.store.Len(),
	})
}
