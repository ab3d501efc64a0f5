package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PeerLogger derives the process logger for one peer from the global logger
// configured by the logging package.
func PeerLogger(app, peerID, namespace string) zerolog.Logger {
	logger := log.Logger.With().
		Str("app", app).
		Str("peer_id", peerID).
		Str("namespace", namespace).
		Logger()
	log.Logger = logger
	return logger
}
