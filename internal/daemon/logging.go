package daemon

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"

	"chanfs/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging points logrus at the configured destination and level, and
// aligns the go-nfs logger with it. The returned closer releases a log file.
func SetupLogging(cfg config.LoggingConfig) (io.Closer, error) {
	level := strings.ToLower(cfg.Level)
	if level == "" || level == "none" {
		log.SetOutput(io.Discard)
		nfs.Log.SetLevel(nfs.ErrorLevel)
		return nopCloser{}, nil
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		logFile, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		log.SetOutput(logFile)
		closer = logFile
	} else {
		log.SetOutput(os.Stderr)
	}

	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
		nfs.Log.SetLevel(nfs.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
		nfs.Log.SetLevel(nfs.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
		nfs.Log.SetLevel(nfs.InfoLevel)
	default:
		log.SetLevel(log.WarnLevel)
		nfs.Log.SetLevel(nfs.WarnLevel)
	}
	return closer, nil
}
