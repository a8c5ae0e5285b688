package api

import (
	"fmt"
	"time"

	"github.com/example/freshmart/pkg/config"
	"github.com/example/freshmart/pkg/repository"
	"github.com/example/freshmart/pkg/settlement"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

type Server struct {
	config     *config.Config
	settlement *settlement.Service
	cache      *repository.RedisRepository
	logger     *zap.Logger
	router     *gin.Engine
}

func NewServer(cfg *config.Config, svc *settlement.Service, cache *repository.RedisRepository, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))

	return &Server{
		config:     cfg,
		settlement: svc,
		cache:      cache,
		logger:     logger,
		router:     router,
	}
}

func (s *Server) SetupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := s.router.Group("/api/v1")
	{
		orders := v1.Group("/orders")
		{
			orders.POST("", s.createOrder)
			orders.GET("/:id", s.getOrder)
			orders.GET("/:id/audit", s.getOrderAudit)
			orders.PUT("/:id/status", s.updateOrderStatus)
		}

		v1.POST("/checkout", s.initializeCheckout)
		v1.GET("/payments/verify/:reference", s.verifyPayment)
		v1.POST("/webhooks/paystack", s.paystackWebhook)
		v1.POST("/wallet/fund", s.fundWallet)
	}

	// Swagger
	s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info("API server starting", zap.String("address", addr))
	return s.router.Run(addr)
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
