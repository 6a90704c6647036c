package logger

import (
	"os"

	"go.uber.org/zap"
)

// New builds the process-wide logger. Production mode (ENV=production)
// emits JSON, everything else uses the development console encoder.
func New() (*zap.Logger, error) {
	if os.Getenv("ENV") == "production" {
		return zap.NewProduction()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
