package aws

import (
	"context"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Clients holds the service clients shared by the API and the worker.
type Clients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// NewClients builds the clients from cfg. DynamoDB calls made while answering a webhook are
// retried at most maxAttempts times; the processor redelivers after that. Zero keeps the SDK default.
func NewClients(cfg sdkaws.Config, maxAttempts int) *Clients {
	return &Clients{
		DynamoDB: dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if maxAttempts > 0 {
				o.RetryMaxAttempts = maxAttempts
			}
		}),
		SQS:        sqs.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
	}
}

// LoadClients loads the SDK config from the environment and builds the clients.
func LoadClients(ctx context.Context, maxAttempts int) (*Clients, error) {
	cfg, err := LoadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return NewClients(cfg, maxAttempts), nil
}
