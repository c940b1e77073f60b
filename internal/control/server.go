package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"cryptoworker/config"
	"cryptoworker/internal/metrics"
	"cryptoworker/internal/models"
	"cryptoworker/internal/twap"
	"cryptoworker/internal/venue"
	"cryptoworker/internal/worker"
	"cryptoworker/logger"
)

// Backend is the worker surface driven by the control API.
type Backend interface {
	Venues() []string
	Tickers(ctx context.Context, venueID string) ([]models.Ticker, error)
	Positions(ctx context.Context) []models.Position
	Orders(ctx context.Context) []models.Order
	Balances(ctx context.Context) []models.Balance
	ClosedTrades(ctx context.Context, since int64) []models.ClosedTrade
	Connections() map[string]map[string]models.ConnectionState

	PlaceMarketOrder(ctx context.Context, venueID string, req venue.OrderRequest) ([]venue.OrderResult, error)
	ClosePosition(ctx context.Context, req worker.CloseRequest) ([]venue.OrderResult, error)
	CancelOrder(ctx context.Context, venueID, symbol, id string) error
	CancelAllOrders(ctx context.Context, venueID, symbol string) error
	SetLeverage(ctx context.Context, venueID, symbol string, leverage int) error

	StartTwap(req twap.Request) (models.TwapJob, error)
	CancelTwap(id string) (models.TwapJob, error)
	TwapJobs() []models.TwapJob

	Subscribe() (<-chan models.Event, func())
}

// Server hosts the gin control API of the worker.
type Server struct {
	cfg           config.ControlConfig
	backend       Backend
	log           *logger.Log
	metricStore   *metricStore
	logStore      *logStore
	errorStore    *errorStore
	metricHandler metrics.MetricHandlerID
	sampler       *resourceSampler
	httpServer    *http.Server
}

// NewServer returns nil when the control API is disabled.
func NewServer(cfg config.ControlConfig, backend Backend, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if backend == nil {
		return nil, errors.New("control API needs a backend")
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		backend:       backend,
		log:           log,
		metricStore:   metricStore,
		logStore:      logStore,
		errorStore:    newErrorStore(cfg.LogHistory),
		metricHandler: metrics.RegisterMetricHandler(metricStore.handle),
		sampler:       newResourceSampler(cfg.MetricsHistory, cfg.SampleInterval, log),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.sampler.start(ctx)
	s.watchErrors(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("control").WithField("address", s.cfg.Address).Info("control API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// watchErrors records error events of the outbound stream until ctx ends.
func (s *Server) watchErrors(ctx context.Context) {
	events, unsubscribe := s.backend.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				s.errorStore.observe(e)
			}
		}
	}()
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.sampler.stop()
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "venues": s.backend.Venues()})
	})

	api := router.Group("/api")
	api.GET("/tickers/:venue", s.getTickers)
	api.GET("/positions", s.getPositions)
	api.GET("/orders", s.getOrders)
	api.GET("/balances", s.getBalances)
	api.GET("/trades", s.getClosedTrades)
	api.GET("/connections", s.getConnections)
	api.POST("/orders/market", s.postMarketOrder)
	api.POST("/positions/close", s.postClosePosition)
	api.DELETE("/orders/:venue/:id", s.deleteOrder)
	api.DELETE("/orders/:venue", s.deleteOrders)
	api.POST("/leverage", s.postLeverage)
	api.POST("/twap", s.postTwap)
	api.DELETE("/twap/:id", s.deleteTwap)
	api.GET("/twap", s.getTwap)
	api.GET("/events", s.streamEvents)

	api.GET("/metrics", s.getMetrics)
	api.GET("/logs", s.getLogs)
	api.GET("/errors", s.getErrors)
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	return router, nil
}

func (s *Server) getMetrics(c *gin.Context) {
	snapshot := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"venue":     m.Venue,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) getLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
}

func (s *Server) getErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"errors": s.errorStore.snapshot()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
