package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Route prefixes. ProtocolPath is what counterparties use as this
// instance's address; dispatchers append /messages to it.
const (
	ManagementPath = "/api/v1"
	ProtocolPath   = "/protocol"
	PublicPath     = "/public"
)

const maxRequestBody = 1 << 20

// Options configures the router.
type Options struct {
	Service TransferService

	// DataPlane serves pull requests under PublicPath when set.
	DataPlane DataPlane

	// References serves endpoint data references when set.
	References References

	// Health checks are run by GET /health.
	Health map[string]HealthChecker

	// Metrics is served on MetricsPath when both are set.
	Metrics     *telemetry.Metrics
	MetricsPath string

	// ManagementToken protects the management routes.
	ManagementToken string

	// ProtocolToken protects the counterparty message endpoint.
	ProtocolToken string

	// AllowedOrigins enables CORS on the management routes.
	AllowedOrigins []string

	// RequestTimeout bounds every request. Zero uses 60s.
	RequestTimeout time.Duration

	Logger *telemetry.Logger
}

// Handler holds the services the routes drive.
type Handler struct {
	service    TransferService
	dataPlane  DataPlane
	references References
	health     map[string]HealthChecker
	logger     *telemetry.Logger
}

// NewRouter builds the HTTP API.
func NewRouter(opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("api")

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	h := &Handler{
		service:    opts.Service,
		dataPlane:  opts.DataPlane,
		references: opts.References,
		health:     opts.Health,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(TraceContext)

	r.Get("/health", h.handleHealth)
	if opts.Metrics != nil && opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, opts.Metrics.Handler())
	}

	r.Route(ManagementPath, func(r chi.Router) {
		if len(opts.AllowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: opts.AllowedOrigins,
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
				MaxAge:         300,
			}))
		}
		r.Use(BearerAuth(opts.ManagementToken))

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/", h.handleInitiate)
			r.Get("/", h.handleList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleGet)
				r.Get("/edr", h.handleGetReference)
				r.Post("/terminate", h.handleTerminate)
				r.Post("/complete", h.handleComplete)
				r.Post("/suspend", h.handleSuspend)
				r.Post("/resume", h.handleResume)
				r.Post("/deprovision", h.handleDeprovision)
			})
		})

		r.Route("/callbacks/{id}", func(r chi.Router) {
			r.Post("/provisioned", h.handleProvisioned)
			r.Post("/deprovisioned", h.handleDeprovisioned)
		})
	})

	r.Route(ProtocolPath, func(r chi.Router) {
		r.Use(BearerAuth(opts.ProtocolToken))
		r.Post("/messages", h.handleMessage)
	})

	if opts.DataPlane != nil {
		r.Get(PublicPath+"/{id}", h.handlePull)
	}

	return r
}
