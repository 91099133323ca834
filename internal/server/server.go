package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"traderelay/config"
	"traderelay/internal/bybit"
	"traderelay/internal/signer"
	"traderelay/logger"
	"traderelay/models"
)

// Exchange is the upstream trading API surface the server depends on.
// *bybit.Client satisfies it.
type Exchange interface {
	PlaceOrder(ctx context.Context, intent *models.OrderIntent) (*bybit.OrderResult, error)
	GetTickers(ctx context.Context, category models.Category, symbol string) (json.RawMessage, error)
}

// Server hosts the relay's HTTP and websocket surface.
type Server struct {
	cfg        *config.Config
	exchange   Exchange
	signer     *signer.Signer
	state      *BotState
	limiter    *rate.Limiter
	log        *logger.Entry
	httpServer *http.Server
}

// NewServer wires the HTTP surface to the exchange client and the stream
// signer. BotState starts stopped.
func NewServer(cfg *config.Config, exchange Exchange, sg *signer.Signer) *Server {
	return &Server{
		cfg:      cfg,
		exchange: exchange,
		signer:   sg,
		state:    NewBotState(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.Webhook.RatePerSecond), cfg.Webhook.RateBurst),
		log:      logger.GetLogger().WithComponent("server"),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithField("address", s.cfg.Server.Address).Info("server listening")

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

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.Server.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.Server.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	router.Use(cors.New(corsCfg))

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "TradeRelay Bybit trading API active"})
	})

	router.POST("/trade", s.handleTrade)
	router.POST("/webhook", s.handleTrade)

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": s.state.Enabled()})
	})
	router.POST("/start", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": s.state.Start()})
	})
	router.POST("/stop", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": s.state.Stop()})
	})

	router.GET("/price/:symbol", s.handlePrice)

	router.GET("/ws/market", s.handleMarketStream)
	router.GET("/ws/orders", s.handleOrderStream)

	return router, nil
}

func (s *Server) handlePrice(c *gin.Context) {
	symbol := c.Param("symbol")
	category := models.CategoryLinear
	if raw := c.Query("category"); raw != "" {
		parsed, err := models.ParseCategory(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		category = parsed
	}

	result, err := s.exchange.GetTickers(c.Request.Context(), category, symbol)
	if err != nil {
		s.log.WithError(err).WithField("symbol", symbol).Error("ticker lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": result})
}
