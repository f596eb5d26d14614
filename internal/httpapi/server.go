// Package httpapi is the gin surface over the ledger, the fulfillment orchestrator and the payment boundary.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/inkledger/internal/fulfillment"
	"github.com/MarkoPoloResearchLab/inkledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/inkledger/internal/payments"
	"github.com/MarkoPoloResearchLab/inkledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/inkledger/internal/transform"
	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"

	routeReserve         = "reserve"
	routeTransformations = "transformations"
)

// ErrInvalidDependencies reports a router built without a required collaborator.
var ErrInvalidDependencies = errors.New("httpapi: invalid dependencies")

// Fulfiller runs one paid transformation.
type Fulfiller interface {
	Fulfill(ctx context.Context, userID ledger.UserID, request transform.Request) (fulfillment.Result, error)
}

// RateLimiter decides whether a user may call a route now.
type RateLimiter interface {
	Allow(ctx context.Context, userID string, route string) (ratelimit.Decision, error)
}

// WebhookVerifier turns a signed provider callback into a payment event.
type WebhookVerifier interface {
	ParseEvent(payload []byte, signatureHeader string) (ledger.PaymentEvent, error)
}

// Dependencies are the collaborators the router serves. Checkout, Webhooks and
// Limiter are optional; their routes answer 503 or pass through when unset.
type Dependencies struct {
	Ledger         *ledger.Service
	Fulfiller      Fulfiller
	Checkout       payments.CheckoutCreator
	Webhooks       WebhookVerifier
	Limiter        RateLimiter
	Metrics        *metrics.Metrics
	Validator      *sessionvalidator.Validator
	Logger         *zap.Logger
	AllowedOrigins []string
}

type httpHandler struct {
	logger    *zap.Logger
	service   *ledger.Service
	grants    *ledger.GrantRecorder
	catalog   *ledger.Catalog
	fulfiller Fulfiller
	checkout  payments.CheckoutCreator
	webhooks  WebhookVerifier
	limiter   RateLimiter
	metrics   *metrics.Metrics
}

// NewRouter builds the gin engine.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Ledger == nil || deps.Fulfiller == nil || deps.Validator == nil {
		return nil, fmt.Errorf("%w: ledger, fulfiller and session validator are required", ErrInvalidDependencies)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := deps.Metrics
	if recorder == nil {
		recorder = metrics.New()
	}
	handler := &httpHandler{
		logger:    logger.Named("http"),
		service:   deps.Ledger,
		grants:    deps.Ledger.GrantRecorder(),
		catalog:   deps.Ledger.Catalog(),
		fulfiller: deps.Fulfiller,
		checkout:  deps.Checkout,
		webhooks:  deps.Webhooks,
		limiter:   deps.Limiter,
		metrics:   recorder,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(recorder.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     deps.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(recorder.Handler()))
	router.GET("/api/packages", handler.handlePackages)
	router.POST("/webhooks/stripe", handler.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(deps.Validator.GinMiddleware(claimsContextKey))
	api.GET("/credits", handler.handleBalance)
	api.POST("/credits/reserve", handler.rateLimit(routeReserve), handler.handleReserve)
	api.POST("/credits/confirm", handler.handleConfirm)
	api.POST("/credits/rollback", handler.handleRollback)
	api.POST("/transformations", handler.rateLimit(routeTransformations), handler.handleTransformation)
	api.POST("/checkout", handler.handleCheckout)

	return router, nil
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("inkledgerd listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
