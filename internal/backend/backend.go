// Package backend holds the transports that answer analysis requests: the
// remote service over multipart HTTP, or OpenAI directly.
package backend

import (
	"go.uber.org/zap"

	"labelcheck-assistant/internal/config"
	"labelcheck-assistant/internal/core"
)

// FromConfig picks the transport: the remote service when a backend URL is
// configured, otherwise OpenAI directly.
func FromConfig(cfg config.Config, logger *zap.Logger) core.Backend {
	if cfg.BackendURL != "" {
		logger.Info("using analysis service", zap.String("backend_url", cfg.BackendURL))
		return NewHTTPClient(cfg.BackendURL, cfg.RequestTimeout, logger)
	}
	logger.Info("using OpenAI directly", zap.String("model", cfg.OpenAIModel))
	return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, logger)
}
