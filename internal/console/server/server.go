package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/multiregion-dashboard/internal/console/handler"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Реестр метрик ядра; при nil /metrics не публикуется
	metrics prometheus.Gatherer

	regionHandler *handler.RegionHandler // /api/regions, /api/test-connection, /api/load-test ...
	flagHandler   *handler.FlagHandler   // /api/flags
}

// NewConsoleServer инициализирует API дашборда со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	metrics prometheus.Gatherer,
	regionH *handler.RegionHandler,
	flagH *handler.FlagHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		metrics:       metrics,
		regionHandler: regionH,
		flagHandler:   flagH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Служебные роуты ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	// --- 3. API дашборда ---
	r.Route("/api", func(r chi.Router) {
		// Короткие пути для кнопок дашборда
		r.Get("/test-connection/{region}", s.regionHandler.TestConnection)
		r.Get("/health/{region}", s.regionHandler.Health)
		r.Post("/load-test/{region}", s.regionHandler.LoadTest)
		r.Get("/all-results", s.regionHandler.AllResults)
		r.Get("/flag-panel", s.flagHandler.Panel)

		r.Route("/regions", func(r chi.Router) {
			r.Get("/", s.regionHandler.List)
			r.Post("/test-all", s.regionHandler.AllResults)
			r.Route("/{region}", func(r chi.Router) {
				r.Post("/test", s.regionHandler.TestConnection)
				r.Post("/health", s.regionHandler.Health)
				r.Post("/load-test", s.regionHandler.LoadTest)
				r.Post("/enabled", s.regionHandler.SetEnabled) // Выключение региона флагом
			})
		})

		r.Route("/flags", func(r chi.Router) {
			r.Get("/", s.flagHandler.Panel)
			r.Post("/{key}/toggle", s.flagHandler.Toggle)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
