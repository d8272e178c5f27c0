package monitoring

import (
	"github.com/rs/zerolog/log"
)

// Alert raises an operator-visible alert (logs for now; a pager integration
// hangs off this hook).
func Alert(message string, labels map[string]string) {
	log.Error().
		Str("alert", message).
		Fields(labels).
		Msg("ALERT: event delivery degraded")
}
