package logging

import (
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

var hookOnce sync.Once

// Configure sets the global logrus level and formatter ("text" or "json")
// and installs a hook that counts log lines per level in prometheus.
func Configure(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	switch format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	log.SetOutput(os.Stdout)
	log.SetLevel(lvl)

	var hookErr error
	hookOnce.Do(func() {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			hookErr = fmt.Errorf("registering log metrics: %w", err)
			return
		}
		log.AddHook(hook)
	})
	return hookErr
}
