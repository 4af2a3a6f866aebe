package observability

import (
	"github.com/embarktrucks/applanix-driver/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

// InitLogger installs the logger cfg describes, tagged with app and a fresh
// run id, as the global logger and returns it with the id.
func InitLogger(app string, cfg logging.Config) (zerolog.Logger, string) {
	runID := ksuid.New().String()
	zerolog.SetGlobalLevel(cfg.Level)
	logger := logging.New(cfg).With().
		Str("app", app).
		Str("run", runID).
		Logger()
	log.Logger = logger
	return logger, runID
}
