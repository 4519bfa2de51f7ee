package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-token-checkout/internal/aws"
	"github.com/imrishuroy/go-token-checkout/internal/config"
)

func main() {
	ctx := context.Background()

	// the worker only needs AWS and logging settings, so the API's validation is skipped
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger().With().Str("component", "worker").Logger()

	clients, err := aws.LoadClients(ctx, cfg.AWSMaxAttempts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init aws clients")
	}
	p := NewProcessor(aws.NewMetricsReporter(clients.CloudWatch, cfg.MetricsNamespace), logger)

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if cfg.RunLocal {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"type":"tokens.credited","sessionId":"cs_local_1","userId":1,"tokenAmount":100,"balance":100,"occurredAt":"2026-01-01T00:00:00Z"}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: testBody},
			},
		}
		if err := p.Handle(ctx, event); err != nil {
			logger.Fatal().Err(err).Msg("local handler error")
		}
		return
	}

	lambda.Start(p.Handle)
}
