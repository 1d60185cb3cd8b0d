package app

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kr/pretty"
	"github.com/opennetcam/vchannel/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

func initConfig() *config.Config {
	return (&config.Config{App: app}).GetDefaults()
}

func loadConfig() {
	newCfg := initConfig()
	newCfg.Load(app.Name, flags.config)
	if newCfg.Camera.CNAME == "" {
		newCfg.Camera.CNAME = app.InstanceId
	}
	*cfg = *newCfg
}

// logConfig prints the effective configuration at debug level with the
// camera password masked.
func logConfig() {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	c := *cfg
	if c.Camera.Password != "" {
		c.Camera.Password = "xxxxx"
	}
	log.Debugf("configuration: %# v", pretty.Formatter(c))
}

// dumpConfig prints one dotted key, or the whole configuration for "all",
// and exits.
func dumpConfig() {
	os.Exit(dump(os.Stdout, cfg, flags.dump))
}

func dump(w io.Writer, c *config.Config, key string) int {
	v, ok := lookup(c, key)
	if !ok {
		return 1
	}
	b, _ := yaml.Marshal(v)
	fmt.Fprint(w, string(b))
	return 0
}

// lookup walks key through the yaml form of c.
func lookup(c *config.Config, key string) (interface{}, bool) {
	var v interface{}
	y, _ := yaml.Marshal(c)
	if err := yaml.Unmarshal(y, &v); err != nil {
		log.Errorf("failed to unmarshal config: %s", err)
		return nil, false
	}
	if key == "all" {
		return v, true
	}

	for _, a := range strings.Split(key, ".") {
		switch t := v.(type) {
		case []interface{}:
			i, err := strconv.Atoi(a)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			v = t[i]
		case map[string]interface{}:
			var ok bool
			if v, ok = t[a]; !ok {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return v, v != nil
}
