// Package logging constructs the service-wide zap logger.
package logging

import "go.uber.org/zap"

// New returns a logger tuned by APP_ENV: "production" gets the JSON
// encoder, anything else the human-readable development encoder.
func New(env string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "ingest-service")), nil
}
