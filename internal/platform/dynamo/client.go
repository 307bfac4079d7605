// Package dynamo builds DynamoDB clients for the alternative counter backend.
package dynamo

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/donorportal/api/internal/platform/config"
)

// NewClient loads AWS configuration for the counter table. A custom endpoint
// (e.g. DynamoDB Local) gets static placeholder credentials when none are set.
func NewClient(ctx context.Context, cfg config.CounterConfig) (*dynamodb.Client, error) {
	region := strings.TrimSpace(cfg.AWSRegion)
	if region == "" {
		return nil, errors.New("dynamo: region is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}

	endpoint := strings.TrimSpace(cfg.AWSEndpoint)
	if endpoint != "" && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}
