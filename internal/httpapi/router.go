package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

// Pinger é usado pelo readiness check
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig reúne as dependências do roteador
type RouterConfig struct {
	Handler     *Handler
	Storage     Pinger
	JWTSecret   []byte
	ServiceName string

	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string

	// Registry recebe as métricas HTTP e é exposto em /metrics.
	Registry *prometheus.Registry
	// Idempotency é opcional; roda depois da autenticação.
	Idempotency gin.HandlerFunc
	// PaymentKey é a chave pública do provedor exposta ao frontend.
	PaymentKey PaymentKeyConfig
}

// PaymentKeyConfig descreve a chave publicável do checkout
type PaymentKeyConfig struct {
	Provider   string
	PublicKey  string
	Production bool
}

// NewRouter monta o engine gin envolto pelo CORS.
// Tarefas de fundo do roteador (limpeza do rate limiter) param quando ctx é cancelado.
func NewRouter(ctx context.Context, cfg RouterConfig) http.Handler {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wallet-escrow"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(NewHTTPMetrics(cfg.Registry).Middleware())
	if cfg.RateLimit > 0 {
		limiter := NewIPRateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
		go limiter.RunCleanup(ctx, time.Minute, 3*time.Minute)
		r.Use(RateLimitMiddleware(limiter))
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/health", healthCheck(cfg.ServiceName))
	api.GET("/health/liveness", healthCheck(cfg.ServiceName))
	api.GET("/health/readiness", readinessCheck(cfg.Storage))
	api.GET("/config/payment-key", paymentKey(cfg.PaymentKey))

	// autenticado pela assinatura do provedor, não por JWT
	api.POST("/provider/webhook", cfg.Handler.ProviderWebhook)

	auth := api.Group("")
	auth.Use(AuthMiddleware(cfg.JWTSecret))
	if cfg.Idempotency != nil {
		auth.Use(cfg.Idempotency)
	}
	h := cfg.Handler

	auth.GET("/wallet/:user_id", h.GetWallet)
	auth.GET("/wallet/:user_id/audit", h.AuditWallet)
	auth.GET("/transactions/:user_id", h.ListTransactions)

	auth.POST("/payment/deposit", h.Deposit)
	auth.POST("/payment/withdraw", h.Withdraw)

	auth.POST("/booking/create", h.CreateBooking)
	auth.GET("/booking/:id", h.GetBooking)
	auth.POST("/booking/:id/complete", h.CompleteBooking)
	auth.POST("/booking/:id/cancel", h.CancelBooking)
	auth.POST("/booking/:id/dispute", h.DisputeBooking)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Idempotent-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	})(r)
}

func healthCheck(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": service,
		})
	}
}

func readinessCheck(storage Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if storage != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := storage.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

func paymentKey(cfg PaymentKeyConfig) gin.HandlerFunc {
	env := "sandbox"
	if cfg.Production {
		env = "production"
	}
	return func(c *gin.Context) {
		if cfg.PublicKey == "" {
			respond(c, http.StatusNotFound, "payment key not configured", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"provider":    cfg.Provider,
			"public_key":  cfg.PublicKey,
			"environment": env,
		})
	}
}
