package main

import (
	"errors"
	"strings"

	"github.com/banshee-data/vision.relay/internal/config"
)

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyFlags overlays the flags named in set onto cfg. Flags left at their
// defaults never override the file.
func applyFlags(cfg *config.Config, set map[string]bool) error {
	if set["source"] && set["source-dir"] {
		return errors.New("--source and --source-dir are mutually exclusive")
	}
	if set["source"] {
		cfg.Capture.Source = *source
		cfg.Capture.Dir = false
	}
	if set["source-dir"] {
		cfg.Capture.Source = *sourceDir
		cfg.Capture.Dir = true
	}
	if set["worker"] {
		fields := strings.Fields(*worker)
		if len(fields) == 0 {
			return errors.New("--worker must not be empty")
		}
		cfg.Classifier.Worker = fields[0]
		cfg.Classifier.Args = fields[1:]
	}
	if set["labels"] {
		cfg.Classifier.Labels = *labels
	}
	if set["interval"] {
		cfg.Loop.Interval = config.D(*interval)
	}
	if set["no-fps"] && *noFPS {
		cfg.Loop.ShowFPS = false
	}
	if set["no-device"] && *noDevice {
		cfg.Serial.Enabled = false
	}
	if set["allow-silent"] {
		cfg.Serial.AllowSilent = *allowSilent
	}
	if set["port"] {
		cfg.Serial.Port = *port
	}
	if set["baud"] {
		cfg.Serial.Baud = *baud
	}
	if set["interactive"] {
		cfg.Loop.Interactive = *interactive
	}
	if set["listen"] {
		cfg.Debug.Listen = *listen
	}
	if set["journal"] {
		cfg.Journal.Path = *journalPath
	}
	if set["log-level"] {
		cfg.Log.Level = *logLevel
	}
	return cfg.Validate()
}
