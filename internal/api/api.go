// Package api serves the Storyline HTTP interface.
//
// Handlers are grouped the way the product is: users, categories, stories,
// dashboard and pipeline. Every group registers its routes on one
// [http.ServeMux] using method-qualified patterns.
//
// Apart from the pipeline routes, every response is a JSON envelope
// {"status": bool, "message": string, ...} served with HTTP 200, including
// validation failures and internal errors. Clients branch on "status".
package api

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/storyline/internal/cache"
	"github.com/MrWong99/storyline/internal/events"
	"github.com/MrWong99/storyline/internal/health"
	"github.com/MrWong99/storyline/internal/observe"
	"github.com/MrWong99/storyline/internal/queue"
	"github.com/MrWong99/storyline/pkg/blob"
	"github.com/MrWong99/storyline/pkg/store"
)

// DefaultMaxUploadBytes bounds a story upload request.
const DefaultMaxUploadBytes = 64 << 20

// Containers names the blob containers URLs are built against.
type Containers struct {
	Audio       string
	StoryImages string
	Categories  string
}

// Server holds the dependencies of every handler group.
type Server struct {
	store      store.Store
	blobs      blob.Store
	containers Containers

	enqueuer    queue.Enqueuer
	processor   queue.Processor
	events      events.Bus
	cache       cache.Cache
	health      *health.Handler
	metrics     *observe.Metrics
	metricsHTTP http.Handler

	maxUpload   int64
	autoEnqueue atomic.Bool
	now         func() time.Time
}

// Option configures a [Server].
type Option func(*Server)

// WithQueue sets the enqueuer used by POST /story/process and by uploads
// when auto-enqueue is on.
func WithQueue(q queue.Enqueuer) Option {
	return func(s *Server) { s.enqueuer = q }
}

// WithProcessor enables synchronous processing ("mode": "sync").
func WithProcessor(p queue.Processor) Option {
	return func(s *Server) { s.processor = p }
}

// WithEvents enables the websocket progress stream.
func WithEvents(bus events.Bus) Option {
	return func(s *Server) { s.events = bus }
}

// WithCache sets the dashboard cache. The default caches nothing.
func WithCache(c cache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the instruments used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Pass nil to disable it.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHTTP = h }
}

// WithMaxUploadBytes overrides [DefaultMaxUploadBytes].
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithAutoEnqueue queues every uploaded story for processing.
func WithAutoEnqueue(on bool) Option {
	return func(s *Server) { s.autoEnqueue.Store(on) }
}

// SetAutoEnqueue toggles auto-enqueue on a running server.
func (s *Server) SetAutoEnqueue(on bool) { s.autoEnqueue.Store(on) }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server over st and blobs.
func New(st store.Store, blobs blob.Store, containers Containers, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("api: store is required")
	}
	if blobs == nil {
		return nil, errors.New("api: blob store is required")
	}
	s := &Server{
		store:       st,
		blobs:       blobs,
		containers:  containers,
		cache:       cache.Noop{},
		metrics:     observe.DefaultMetrics(),
		metricsHTTP: promhttp.Handler(),
		maxUpload:   DefaultMaxUploadBytes,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cache == nil {
		s.cache = cache.Noop{}
	}
	return s, nil
}

// Routes registers every route on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /user/{id}", s.getUser)
	mux.HandleFunc("POST /user", s.createUser)
	mux.HandleFunc("PUT /user/{id}", s.updateUser)
	mux.HandleFunc("DELETE /user/{id}", s.deleteUser)

	mux.HandleFunc("GET /user/{id}/categories", s.getUserCategories)
	mux.HandleFunc("PUT /user/{id}/categories", s.setUserCategories)
	mux.HandleFunc("GET /categories", s.listCategories)

	mux.HandleFunc("POST /stories", s.listStories)
	mux.HandleFunc("GET /story/{id}", s.getStory)
	mux.HandleFunc("POST /story/like", s.likeStory)
	mux.HandleFunc("POST /story/upload", s.uploadStory)
	mux.HandleFunc("POST /story/listen", s.listenStory)
	mux.HandleFunc("GET /stories/category/{id}", s.storiesByCategory)
	mux.HandleFunc("GET /story/{id}/similar", s.similarStories)

	mux.HandleFunc("POST /dashboard", s.dashboard)

	mux.HandleFunc("POST /story/process", s.processStory)
	mux.HandleFunc("GET /story/{id}/pipeline", s.pipelineStatus)
	mux.HandleFunc("GET /story/{id}/events", s.pipelineEvents)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHTTP != nil {
		mux.Handle("GET /metrics", s.metricsHTTP)
	}
}

// Handler returns the complete HTTP handler: every route behind panic
// recovery and the tracing/metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return observe.Middleware(s.metrics)(recoverer(mux))
}
