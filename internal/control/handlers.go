package control

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cryptoworker/internal/models"
	"cryptoworker/internal/twap"
	"cryptoworker/internal/venue"
	"cryptoworker/internal/worker"
	"cryptoworker/logger"
)

type marketOrderBody struct {
	Exchange string `json:"exchange" binding:"required"`
	venue.OrderRequest
}

type leverageBody struct {
	Exchange string `json:"exchange" binding:"required"`
	Symbol   string `json:"symbol" binding:"required"`
	Leverage int    `json:"leverage"`
}

type twapBody struct {
	twap.Request
	DurationMinutes float64 `json:"durationMinutes"`
}

// statusOf maps command errors onto HTTP statuses. Anything unknown is a
// venue rejection.
func statusOf(err error) int {
	switch {
	case errors.Is(err, venue.ErrUnknownVenue),
		errors.Is(err, venue.ErrNoPosition),
		errors.Is(err, twap.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, venue.ErrInvalidSize),
		errors.Is(err, venue.ErrInvalidLeverage),
		errors.Is(err, venue.ErrUnknownSymbol),
		errors.Is(err, twap.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, venue.ErrNotConfigured):
		return http.StatusPreconditionFailed
	case errors.Is(err, twap.ErrTooManyJobs):
		return http.StatusTooManyRequests
	case errors.Is(err, twap.ErrNotAvailable), errors.Is(err, worker.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	entry := s.log.WithComponent("control").WithError(err).WithFields(logger.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("command failed")
	} else {
		entry.Warn("command rejected")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) getTickers(c *gin.Context) {
	tickers, err := s.backend.Tickers(c.Request.Context(), c.Param("venue"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if tickers == nil {
		tickers = []models.Ticker{}
	}
	c.JSON(http.StatusOK, gin.H{"exchangeId": c.Param("venue"), "data": tickers, "count": len(tickers)})
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.backend.Positions(c.Request.Context())})
}

func (s *Server) getOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.backend.Orders(c.Request.Context())})
}

func (s *Server) getBalances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.backend.Balances(c.Request.Context())})
}

// getClosedTrades takes ?since= in unix milliseconds, default the last day.
func (s *Server) getClosedTrades(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour).UnixMilli()
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c, err)
			return
		}
		since = v
	}
	c.JSON(http.StatusOK, gin.H{"data": s.backend.ClosedTrades(c.Request.Context(), since)})
}

func (s *Server) getConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.backend.Connections()})
}

func (s *Server) postMarketOrder(c *gin.Context) {
	var body marketOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	results, err := s.backend.PlaceMarketOrder(c.Request.Context(), body.Exchange, body.OrderRequest)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": results})
}

func (s *Server) postClosePosition(c *gin.Context) {
	var req worker.CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Percentage <= 0 {
		req.Percentage = 100
	}
	if req.OrderType == "" {
		req.OrderType = venue.OrderTypeMarket
	}
	if req.OrderType == venue.OrderTypeLimit && req.LimitPrice == nil {
		badRequest(c, errors.New("limitPrice is required for limit closes"))
		return
	}
	results, err := s.backend.ClosePosition(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": results})
}

// deleteOrder needs ?symbol= since venues cancel by symbol and id.
func (s *Server) deleteOrder(c *gin.Context) {
	if err := s.backend.CancelOrder(c.Request.Context(), c.Param("venue"), c.Query("symbol"), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteOrders cancels every open order, or only those of ?symbol=.
func (s *Server) deleteOrders(c *gin.Context) {
	if err := s.backend.CancelAllOrders(c.Request.Context(), c.Param("venue"), c.Query("symbol")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) postLeverage(c *gin.Context) {
	var body leverageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.backend.SetLeverage(c.Request.Context(), body.Exchange, body.Symbol, body.Leverage); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchange": body.Exchange, "symbol": body.Symbol, "leverage": body.Leverage})
}

func (s *Server) postTwap(c *gin.Context) {
	var body twapBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req := body.Request
	req.Duration = time.Duration(body.DurationMinutes * float64(time.Minute))
	job, err := s.backend.StartTwap(req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) deleteTwap(c *gin.Context) {
	job, err := s.backend.CancelTwap(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) getTwap(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.backend.TwapJobs()})
}

// streamEvents relays the outbound event stream as server-sent events
// until the client goes away.
func (s *Server) streamEvents(c *gin.Context) {
	events, unsubscribe := s.backend.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		}
	})
}
