// Package server exposes the Memora engine over HTTP: the due-items and
// review endpoints used by clients, the operator endpoints for seasons,
// archival, retention and reconciliation, and a websocket alert stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/montserZalloum/memora/internal/archive"
	"github.com/montserZalloum/memora/internal/config"
	"github.com/montserZalloum/memora/internal/engine"
	"github.com/montserZalloum/memora/internal/notify"
	"github.com/montserZalloum/memora/internal/reconcile"
	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

var mon = monkit.Package()

// Engine is the hot path served to clients.
type Engine interface {
	DueItems(ctx context.Context, req engine.DueRequest) (*engine.DueResponse, error)
	SubmitReviews(ctx context.Context, req engine.SubmitRequest) (*engine.SubmitResponse, error)
	Status(ctx context.Context) (*engine.Status, error)
	ForgetSeason(name string)
}

// Seasons administers the season lifecycle.
type Seasons interface {
	CreateSeason(ctx context.Context, name string, endDate *time.Time) (*types.Season, error)
	Get(ctx context.Context, name string) (*types.Season, error)
	List(ctx context.Context, filter storage.SeasonFilter) ([]types.Season, error)
	Activate(ctx context.Context, name string) error
	Deactivate(ctx context.Context, name string) error
	Rename(ctx context.Context, oldName, newName string) error
	SetAutoArchive(ctx context.Context, name string, enabled bool, endDate *time.Time) error
	ArchiveSeason(ctx context.Context, name string) (*archive.Result, error)
	AutoArchive(ctx context.Context) (*archive.AutoArchiveReport, error)
	FlagRetention(ctx context.Context) (int, error)
	PurgeEligible(ctx context.Context, confirm bool) (int, error)
}

// Reconciler runs an on-demand reconciliation pass.
type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

// AlertFeed is the in-process alert history and fan-out.
type AlertFeed interface {
	Recent() []notify.Alert
	Subscribe(buffer int) (<-chan notify.Alert, func())
}

// Deps are the components served over HTTP. Reconciler and Alerts are
// optional; their routes answer 503 when absent.
type Deps struct {
	Engine     Engine
	Seasons    Seasons
	Reconciler Reconciler
	Alerts     AlertFeed
}

// Server is the HTTP front of the engine.
type Server struct {
	deps    Deps
	config  config.ServerConfig
	limiter *RateLimiter
	log     *zap.Logger
}

// New creates a Server.
func New(deps Deps, cfg config.ServerConfig, log *zap.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Seasons == nil {
		return nil, errors.New("server: engine and seasons are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.APIRatePerSec <= 0 {
		cfg.APIRatePerSec = 200
	}
	if cfg.APIBurst <= 0 {
		cfg.APIBurst = int(cfg.APIRatePerSec) * 2
	}
	return &Server{
		deps:    deps,
		config:  cfg,
		limiter: NewRateLimiter(cfg.APIRatePerSec, cfg.APIBurst),
		log:     log.Named("server"),
	}, nil
}

// Handler returns the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("GET /v1/due", s.handleDue)
	mux.HandleFunc("POST /v1/reviews", s.handleReviews)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /v1/seasons", s.handleListSeasons)
	admin.HandleFunc("POST /v1/seasons", s.handleCreateSeason)
	admin.HandleFunc("GET /v1/seasons/{name}", s.handleGetSeason)
	admin.HandleFunc("POST /v1/seasons/{name}/activate", s.handleActivate)
	admin.HandleFunc("POST /v1/seasons/{name}/deactivate", s.handleDeactivate)
	admin.HandleFunc("POST /v1/seasons/{name}/rename", s.handleRename)
	admin.HandleFunc("PUT /v1/seasons/{name}/auto-archive", s.handleAutoArchiveFlag)
	admin.HandleFunc("POST /v1/seasons/{name}/archive", s.handleArchive)
	admin.HandleFunc("POST /v1/archive/auto", s.handleAutoArchiveRun)
	admin.HandleFunc("POST /v1/retention/flag", s.handleRetentionFlag)
	admin.HandleFunc("POST /v1/retention/purge", s.handleRetentionPurge)
	admin.HandleFunc("POST /v1/reconcile", s.handleReconcile)
	admin.HandleFunc("GET /v1/alerts", s.handleRecentAlerts)

	guarded := RequireAdmin(admin, s.config.AdminToken)
	for _, pattern := range []string{"/v1/seasons", "/v1/seasons/", "/v1/archive/", "/v1/retention/", "/v1/reconcile", "/v1/alerts"} {
		mux.Handle(pattern, guarded)
	}
	// Browsers cannot set headers on a websocket upgrade; origin checks
	// guard the stream instead.
	mux.HandleFunc("GET /v1/alerts/stream", s.handleAlertStream)

	var handler http.Handler = mux
	handler = RateLimitMiddleware(handler, s.limiter)
	handler = requestLogger(handler, s.log)
	handler = securityHeaders(handler)
	return handler
}

// Serve answers requests on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}

// Start listens on the configured address and serves in the background.
// It returns the actual address, which differs from the configured one
// when the port is 0.
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}
	go func() {
		if err := s.Serve(ctx, ln); err != nil {
			s.log.Error("server stopped", zap.Error(err))
		}
	}()
	return ln.Addr().String(), nil
}
