package observability

import (
	"log/slog"

	"github.com/couchcryptid/amp-association-service/internal/config"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

// NewLogger creates the process logger from LOG_LEVEL and LOG_FORMAT. The
// shared constructor also installs the base handler as the slog default.
func NewLogger(cfg *config.Config) *slog.Logger {
	return sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat).With("service", "amp-associator")
}
