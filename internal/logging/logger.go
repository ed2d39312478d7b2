// Package logging configures the process-wide logrus logger used by
// every rs-guard component.
package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/rsguard/rs-guard/internal/config"
)

// Init sets the log level and format based on the loaded configuration.
func Init(cfg *config.Config) {
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
}

// InitFromEnv initializes logging from environment variables, used as a
// safety net before configuration has been loaded (e.g. during flag parsing).
func InitFromEnv() {
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	setLogLevel(logLevel)
}

func setLogLevel(logLevel string) {
	switch logLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ForFile returns a logger pre-populated with the file_id field, per
// spec.md §7: every corruption/recovery log line must carry it.
func ForFile(fileID string) *log.Entry {
	return log.WithField("file_id", fileID)
}

// ForStripe returns a logger pre-populated with file_id and stripe index.
func ForStripe(fileID string, stripeIndex int) *log.Entry {
	return log.WithFields(log.Fields{
		"file_id": fileID,
		"stripe":  stripeIndex,
	})
}

func init() {
	InitFromEnv()
}
