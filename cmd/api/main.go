package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/imrishuroy/go-token-checkout/internal/aws"
	"github.com/imrishuroy/go-token-checkout/internal/checkout"
	"github.com/imrishuroy/go-token-checkout/internal/config"
	"github.com/imrishuroy/go-token-checkout/internal/handlers"
	"github.com/imrishuroy/go-token-checkout/internal/idempotency"
	"github.com/imrishuroy/go-token-checkout/internal/metrics"
	"github.com/imrishuroy/go-token-checkout/internal/reconcile"
	"github.com/imrishuroy/go-token-checkout/internal/sessions"
	"github.com/imrishuroy/go-token-checkout/internal/sessions/boltstore"
	"github.com/imrishuroy/go-token-checkout/internal/sessions/pgstore"
	"github.com/imrishuroy/go-token-checkout/internal/validation"
	"github.com/imrishuroy/go-token-checkout/internal/webhook"
)

// sessionStore is what every backend provides.
type sessionStore interface {
	Create(ctx context.Context, sess sessions.Session) error
	Get(ctx context.Context, sessionID string) (*sessions.Session, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	CompleteAndCredit(ctx context.Context, sessionID string, userID, tokenAmount int64) (sessions.CompletionResult, error)
	MarkFailed(ctx context.Context, sessionID string) (bool, error)
}

func openStore(ctx context.Context, cfg *config.Config, clients *aws.Clients) (sessionStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		st, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case config.BackendBolt:
		st, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		return sessions.NewStore(clients.DynamoDB, cfg.SessionsTable, cfg.BalancesTable), func() {}, nil
	}
}

func setupRouter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*gin.Engine, func(), error) {
	clients, err := aws.LoadClients(ctx, cfg.AWSMaxAttempts)
	if err != nil {
		return nil, nil, fmt.Errorf("init aws clients: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, clients)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}

	verifier, err := webhook.NewVerifier(cfg.Stripe.WebhookSecret)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	opts := []reconcile.Option{reconcile.WithLogger(logger.With().Str("component", "reconcile").Logger())}
	if cfg.EventsQueueURL != "" {
		publisher := aws.NewPublisher(clients.SQS, cfg.EventsQueueURL)
		opts = append(opts, reconcile.WithPublisher(reconcile.NewQueuePublisher(publisher)))
	}

	initiator := checkout.NewInitiator(
		checkout.NewStripeCreator(cfg.Stripe.SecretKey),
		store,
		checkout.Config{
			Currency:    cfg.Stripe.Currency,
			ProductName: cfg.Stripe.ProductName,
			PriceCents:  cfg.Checkout.TokenPriceCents,
			SuccessURL:  cfg.Checkout.SuccessURL,
			CancelURL:   cfg.Checkout.CancelURL,
		},
		logger.With().Str("component", "checkout").Logger(),
	)

	hc := handlers.HandlerConfig{
		Verifier:   verifier,
		Reconciler: reconcile.New(store, opts...),
		Checkout:   initiator,
		Sessions:   store,
		Validator: validation.New(validation.Limits{
			PriceCents: cfg.Checkout.TokenPriceCents,
			MaxTokens:  cfg.Checkout.MaxTokens,
		}),
		Metrics:         metrics.New(),
		Logger:          logger,
		StatusRateLimit: rate.Limit(cfg.StatusRateLimit),
		StatusRateBurst: cfg.StatusRateBurst,
	}
	if cfg.IdempotencyTable != "" {
		hc.Idempotency = idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)
	}

	return handlers.NewRouter(hc), closeStore, nil
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if !cfg.RunLocal {
		gin.SetMode(gin.ReleaseMode)
	}

	r, closeStore, err := setupRouter(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start api")
	}
	defer closeStore()

	// if RUN_LOCAL is set to "true", run a local HTTP server for development.
	if cfg.RunLocal {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.StoreBackend).Msg("running local server")
		if err := r.Run(cfg.HTTPAddr); err != nil {
			logger.Error().Err(err).Msg("local server stopped")
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		// ProxyWithContext propagates the Lambda context into the gin request
		return adapter.ProxyWithContext(ctx, req)
	})
}
