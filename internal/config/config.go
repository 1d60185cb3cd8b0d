package config

import (
	"os"
	"time"

	"github.com/opennetcam/vchannel/internal/schedule"
	log "github.com/sirupsen/logrus"
)

type App struct {
	Name       string
	Version    string
	GitHash    string
	LongName   string
	InstanceId string
}

type Config struct {
	App        App        `yaml:"-"`
	Camera     Camera     `yaml:"camera,omitempty"`
	Recorder   Recorder   `yaml:"recorder,omitempty"`
	Schedule   Schedule   `yaml:"schedule,omitempty"`
	Motion     Motion     `yaml:"motion,omitempty"`
	PubSub     PubSub     `yaml:"pubsub,omitempty"`
	HTTP       HTTP       `yaml:"http,omitempty"`
	Prometheus Prometheus `yaml:"prometheus,omitempty"`
	Log        LogConfig  `yaml:"log"`
}

func (cfg *Config) GetDefaults() *Config {
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets the default values
func (cfg *Config) SetDefaults() {
	if cfg.App.Name == "" {
		var err error
		if cfg.App.Name, err = os.Executable(); err != nil {
			log.Error(err)
			cfg.App.Name = "unknown"
		}
	}

	cfg.Camera = Camera{
		DeviceID:       "1",
		UseTCP:         false,
		Audio:          false,
		DeviceOrder:    0,
		WatchdogMin:    1000 * time.Millisecond,
		WatchdogJitter: 512 * time.Millisecond,
		ErrorPing:      20 * time.Second,
		MaxRetries:     6,
	}
	cfg.Recorder.Directory = "./recordings"
	cfg.Recorder.Format = "auto"
	cfg.Recorder.DirFileMode = "0700"
	cfg.Recorder.FileMode = "0600"
	cfg.Recorder.WriteToDevNull = false
	cfg.Recorder.WriteStatsFile = false
	cfg.Recorder.MaxRiffSize = 2 << 30
	cfg.Recorder.WriteOnInterval = 3 * time.Minute
	cfg.Recorder.NoWriteInterval = 30 * time.Second
	cfg.Recorder.FrameSizeTolerance = 512
	cfg.Schedule.Rule = schedule.DefaultRule
	cfg.Motion = Motion{
		Enable:      true,
		Sensitivity: 80,
		Threshold:   10,
		Interval:    500 * time.Millisecond,
		ScaleHeight: 240,
		Window:      Window{X: 0, Y: 0, W: 100, H: 100},
	}
	cfg.PubSub.Channels = Channels{
		Subscribe: "to-" + cfg.App.Name,
		Publish:   "from-" + cfg.App.Name,
	}
	cfg.PubSub.Adapter = "redis"
	cfg.PubSub.Adapters = make(map[string]interface{})
	cfg.PubSub.Adapters["redis"] = &Redis{
		Address:  ":6379",
		Network:  "tcp",
		Password: "",
	}
	cfg.PubSub.Adapters["mqtt"] = &MQTT{
		Broker:   "tcp://127.0.0.1:1883",
		QoS:      1,
		Encoding: "json",
	}
	cfg.HTTP = HTTP{
		Enable: false,
		Port:   8080,
	}
	cfg.Prometheus = Prometheus{
		Enable:        false,
		ListenAddress: "127.0.0.1:3200",
	}
}

type Camera struct {
	DeviceID    string `yaml:"deviceId,omitempty"`
	URL         string `yaml:"url,omitempty"`
	User        string `yaml:"user,omitempty"`
	Password    string `yaml:"password,omitempty"`
	UseTCP      bool   `yaml:"useTcp,omitempty"`
	Audio       bool   `yaml:"audio,omitempty"`
	DeviceOrder int    `yaml:"deviceOrder,omitempty"`
	UserAgent   string `yaml:"userAgent,omitempty"`
	// CNAME sent in RTCP source descriptions, defaults to the instance id
	CNAME          string        `yaml:"cname,omitempty"`
	WatchdogMin    time.Duration `yaml:"watchdogMin,omitempty"`
	WatchdogJitter time.Duration `yaml:"watchdogJitter,omitempty"`
	ErrorPing      time.Duration `yaml:"errorPing,omitempty"`
	MaxRetries     int           `yaml:"maxRetries,omitempty"`
}

type Recorder struct {
	Directory       string        `yaml:"directory,omitempty"`
	Format          string        `yaml:"format,omitempty"`
	DirFileMode     string        `yaml:"dirFileMode,omitempty"`
	FileMode        string        `yaml:"fileMode,omitempty"`
	WriteToDevNull  bool          `yaml:"writeToDevNull,omitempty"`
	WriteStatsFile  bool          `yaml:"writeStatsFile,omitempty"`
	MaxRiffSize     int64         `yaml:"maxRiffSize,omitempty"`
	WriteOnInterval time.Duration `yaml:"writeOnInterval,omitempty"`
	NoWriteInterval time.Duration `yaml:"noWriteInterval,omitempty"`
	// FrameSizeTolerance bounds the size change between consecutive JPEG
	// frames, 0 disables the check.
	FrameSizeTolerance int `yaml:"frameSizeTolerance,omitempty"`
}

type Schedule struct {
	Rule string `yaml:"rule,omitempty"`
}

type Window struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	W int `yaml:"w"`
	H int `yaml:"h"`
}

type Motion struct {
	Enable      bool          `yaml:"enable,omitempty"`
	Sensitivity int           `yaml:"sensitivity,omitempty"`
	Threshold   int           `yaml:"threshold,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
	ScaleHeight int           `yaml:"scaleHeight,omitempty"`
	Window      Window        `yaml:"window,omitempty"`
	// Debug keeps a thumbnail of every frame that triggered motion.
	Debug bool `yaml:"debug,omitempty"`
}

type Redis struct {
	Address  string `yaml:"address,omitempty"`
	Network  string `yaml:"network,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type MQTT struct {
	Broker   string `yaml:"broker,omitempty" mapstructure:"broker"`
	ClientID string `yaml:"clientId,omitempty" mapstructure:"clientId"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	QoS      byte   `yaml:"qos,omitempty" mapstructure:"qos"`
	// Encoding of published payloads, json or msgpack.
	Encoding string `yaml:"encoding,omitempty" mapstructure:"encoding"`
}

type PubSub struct {
	Channels Channels `yaml:"channels,omitempty"`
	Adapter  string   `yaml:"adapter,omitempty"`
	Adapters map[string]interface{}
}

type Channels struct {
	Subscribe string `yaml:"subscribe,omitempty"`
	Publish   string `yaml:"publish,omitempty"`
}

type HTTP struct {
	Enable bool `yaml:"enable,omitempty"`
	Port   int  `yaml:"port,omitempty"`
}

type Prometheus struct {
	Enable        bool   `yaml:"enable,omitempty"`
	ListenAddress string `yaml:"listenAddress,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}
