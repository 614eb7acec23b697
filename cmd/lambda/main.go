package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-forecast-api/internal/app"
	"github.com/kjstillabower/weather-forecast-api/internal/config"
	"github.com/kjstillabower/weather-forecast-api/internal/observability"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	// Built once per execution environment and reused across invocations.
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("initialize application", zap.Error(err))
	}

	lambda.Start(newHandler(a.Dispatcher, logger))
}

type dispatcher interface {
	Dispatch(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse
}

// newHandler adapts the dispatcher to the Lambda handler signature. Failures are
// always expressed as HTTP responses, so the error result is nil.
func newHandler(d dispatcher, logger *zap.Logger) func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp := d.Dispatch(ctx, req)
		_ = logger.Sync()
		return resp, nil
	}
}
