package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/crazy-max/gonfig"
	"github.com/opennetcam/vchannel/internal/schedule"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func (cfg *Config) Load(app, configFile string) {
	// Load from file(s)
	if configFile == "" {
		configFile = app + ".yml"
	} else {
		configFile = path.Clean(configFile)
	}
	fileLoader := gonfig.NewFileLoader(gonfig.FileLoaderConfig{
		Filename: configFile,
		Finder: gonfig.Finder{
			BasePaths: []string{
				fmt.Sprintf("/etc/%s/%s", app, app),
				fmt.Sprintf("$HOME/.config/%s", app),
				fmt.Sprintf("./%s", app),
			},
			Extensions: []string{"yaml", "yml"},
		},
	})
	if found, err := fileLoader.Load(cfg); err != nil {
		log.Fatal(errors.Wrap(err, fmt.Sprintf("failed to decode configuration from file: %s", fileLoader.GetFilename())))
	} else if !found {
		log.Debugf("no configuration file found: %s", fileLoader.GetFilename())
	} else {
		log.Printf("configuration loaded from file: %s", fileLoader.GetFilename())
	}

	// Load from environment variables
	envPrefix := strings.ReplaceAll(app, " ", "_")
	envPrefix = strings.ToUpper(strings.ReplaceAll(envPrefix, "-", "_")) + "_"
	envLoader := gonfig.NewEnvLoader(gonfig.EnvLoaderConfig{
		Prefix: envPrefix,
	})
	if found, err := envLoader.Load(cfg); err != nil {
		log.Fatal(errors.Wrap(err, "failed to decode configuration from environment variables"))
	} else if !found {
		log.Debugf("no %s* environment variables defined", envPrefix)
	} else {
		log.Printf("configuration loaded from %d environment variables", len(envLoader.GetVars()))
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal(errors.Wrap(err, "invalid configuration"))
	}
}

// Validate checks the values that cannot be corrected at runtime.
func (cfg *Config) Validate() error {
	switch cfg.Recorder.Format {
	case "auto", "avi", "mp4":
	default:
		return fmt.Errorf("recorder.format must be auto, avi or mp4, got %q", cfg.Recorder.Format)
	}
	if _, err := ParseFileMode(cfg.Recorder.DirFileMode); err != nil {
		return errors.Wrap(err, "recorder.dirFileMode")
	}
	if _, err := ParseFileMode(cfg.Recorder.FileMode); err != nil {
		return errors.Wrap(err, "recorder.fileMode")
	}
	if cfg.Recorder.WriteOnInterval <= 0 || cfg.Recorder.NoWriteInterval <= 0 {
		return errors.New("recorder intervals must be positive")
	}
	if _, err := schedule.ParseRule(cfg.Schedule.Rule); err != nil {
		return errors.Wrap(err, "schedule.rule")
	}
	if cfg.Motion.Sensitivity < 0 || cfg.Motion.Sensitivity > 100 {
		return fmt.Errorf("motion.sensitivity must be within 0..100, got %d", cfg.Motion.Sensitivity)
	}
	w := cfg.Motion.Window
	if w.X < 0 || w.Y < 0 || w.W <= 0 || w.H <= 0 || w.X+w.W > 100 || w.Y+w.H > 100 {
		return fmt.Errorf("motion.window %+v is not within 0..100 percent", w)
	}
	return nil
}

// ParseFileMode parses an octal mode such as "0600".
func ParseFileMode(mode string) (os.FileMode, error) {
	parsed, err := strconv.ParseUint(mode, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %s", mode)
	}
	return os.FileMode(parsed), nil
}
