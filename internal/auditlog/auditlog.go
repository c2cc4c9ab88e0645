// Package auditlog writes the user-visible notification trail (strategy_executed,
// order_failed, strategy_paused, credentials_invalid) to a structured, parseable stream,
// independent of the package-level operational logger.
package auditlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05Z07:00"})
	if os.Getenv("LOG_LEVEL") == "debug" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Event records one notification-worthy occurrence, fields mirroring the `notifications`
// collection: user_id, type, message, plus whatever context the caller supplies. The
// notification title is not recorded.
func Event(userID, kind, message string, fields map[string]interface{}) {
	entry := log.WithFields(logrus.Fields{
		"user_id": userID,
		"type":    kind,
	})
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Info(message)
}
