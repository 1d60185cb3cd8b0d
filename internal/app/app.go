package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/opennetcam/vchannel/internal"
	"github.com/opennetcam/vchannel/internal/appstats"
	"github.com/opennetcam/vchannel/internal/config"
	"github.com/opennetcam/vchannel/internal/prometheus"
	"github.com/opennetcam/vchannel/internal/pubsub"
	"github.com/opennetcam/vchannel/internal/recorder"
	"github.com/opennetcam/vchannel/internal/server"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

var (
	app config.App

	flags struct {
		config  string
		dump    string
		debug   bool
		help    bool
		version bool
	}

	cfg  *config.Config
	ps   pubsub.PubSub
	sv   *server.Server
	hs   *server.HTTPServer
	prom *http.Server
)

// Main parses the command line, loads the configuration and runs until a
// signal or a shutdown command arrives.
func Main() {
	app.Name = internal.AppName
	app.Version = internal.AppVersion
	app.LongName = fmt.Sprintf("%s %s", app.Name, app.Version)
	app.InstanceId = uuid.New().String()

	flag.StringVarP(&flags.config, "config", "c", flags.config, "load configuration file")
	flag.StringVar(&flags.dump, "dump", "", "print config value (e.g. 'recorder.directory' or 'all')")
	flag.BoolVarP(&flags.debug, "debug", "d", flags.debug, "enable debug log")
	flag.BoolVarP(&flags.help, "help", "h", flags.help, "print help")
	flag.BoolVarP(&flags.version, "version", "v", flags.version, "print version")
	flag.Parse()

	if flags.help {
		fmt.Printf("%s\n\n", app.LongName)
		flag.PrintDefaults()
		os.Exit(0)
	}

	if flags.version {
		fmt.Println(app.LongName)
		os.Exit(0)
	}

	if flags.dump != "" {
		log.SetLevel(log.FatalLevel)
		cfg = initConfig()
		loadConfig()
		dumpConfig()
	}

	Init()
	os.Exit(Run())
}

func Init() {
	cfg = initConfig()
	log.Infof("Starting %s PID: %d", app.Name, os.Getpid())
	loadConfig()
	configureLog()
	logConfig()
	sighupHandler()
}

// Run wires the components and blocks. It returns the process exit code.
func Run() int {
	appstats.Init()
	prom = prometheus.ServePromMetrics(cfg.Prometheus)

	if err := recorder.CheckFsPermissions(cfg.Recorder); err != nil {
		log.Fatalf("failed to check recorder filesystem permissions: %v", err)
	}

	var err error
	if ps, err = pubsub.NewPubSub(cfg.PubSub, app.InstanceId); err != nil {
		log.Fatalf("failed to start %s pubsub: %v", cfg.PubSub.Adapter, err)
	}
	if err := ps.Check(); err != nil {
		log.Fatalf("failed to connect to pubsub: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sv = server.NewServer(cfg, ps)
	if err := sv.Start(ctx); err != nil {
		log.Fatalf("failed to start camera session: %v", err)
	}

	if cfg.HTTP.Enable {
		hs = server.NewHTTPServer(cfg, sv)
		hs.Serve()
	}

	go func() {
		if err := ps.Subscribe(cfg.PubSub.Channels.Subscribe, sv.HandlePubSub, sv.OnStart); err != nil && ctx.Err() == nil {
			log.Fatalf("failed to subscribe to pubsub %s: %s", cfg.PubSub.Channels.Subscribe, err)
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("failed to notify readiness to systemd: %v", err)
	}

	select {
	case <-ctx.Done():
		log.Info("signal received")
	case <-sv.ShutdownRequested():
	}
	shutdown()
	return 0
}

func shutdown() {
	log.Info(internal.AppName, " shutting down")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debugf("failed to notify systemd: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if sv != nil {
		if err := sv.Close(); err != nil {
			log.Errorf("failed to close server: %s", err)
		}
	}

	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			log.Errorf("failed to stop http server: %s", err)
		}
	}

	if prom != nil {
		if err := prom.Shutdown(ctx); err != nil {
			log.Errorf("failed to stop prometheus exporter: %s", err)
		}
	}

	if ps != nil {
		if err := ps.Close(); err != nil {
			log.Errorf("failed to close pubsub: %s", err)
		}
	}
}

// sighupHandler reloads the log settings. Camera and recorder settings
// need a restart.
func sighupHandler() {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Debug("reloading log configuration...")
			newCfg := initConfig()
			newCfg.Load(app.Name, flags.config)
			applyLog(newCfg.Log)
		}
	}()
}
