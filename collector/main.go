package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crashmill/collector/api"
	"crashmill/collector/cfg"
	"crashmill/common/utils"

	log "github.com/sirupsen/logrus"
)

var Build string
var Version string

const shutdownTimeout = 10 * time.Second

func init() {

	var cPath string
	var showVersion bool = false
	var showBuild bool = false

	flag.StringVar(&cPath, "config", "", "path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "show version")
	flag.BoolVar(&showBuild, "build", false, "show build")

	flag.Parse()

	if showVersion {
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	if showBuild {
		fmt.Printf("Build: %s\n", Build)
		os.Exit(0)
	}

	if cPath == "" {
		flag.PrintDefaults()
		log.Fatal("Config file is not set")
	}

	conf, err := cfg.FromJson(cPath)
	if err != nil {
		log.WithError(err).Fatal("Error reading configuration file")
	}
	cfg.GlobalConfig = conf
	cfg.GlobalConfigPath = cPath

	if err := changeLevel(conf.LogLevel()); err != nil {
		log.WithError(err).Warning("Can't setup log level")
	}
}

func main() {
	var service api.GinCollectorService
	if err := service.Init(); err != nil {
		log.WithError(err).Fatal("Can't start collector")
	}

	server := &http.Server{
		Addr:    service.Address(),
		Handler: service.Handler(),
	}
	go func() {
		log.WithField("address", server.Addr).Info("Run on")
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Collector server stopped")
		}
	}()

	reload := make(chan struct{}, 1)
	err := utils.WatchFile(context.Background(), cfg.GlobalConfigPath, func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	})
	if err != nil {
		log.WithError(err).Warning("Can't watch configuration file")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case <-reload:
			reloadConfiguration()
		case sig := <-signals:
			log.WithField("signal", sig.String()).Info("Catch")
			if sig == syscall.SIGHUP {
				reloadConfiguration()
				continue
			}
			shutdown(server, &service)
			return
		}
	}
}

func shutdown(server *http.Server, service *api.GinCollectorService) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warning("Can't stop collector server")
	}
	if err := service.Close(); err != nil {
		log.WithError(err).Warning("Can't close rabbit connection")
	}
	log.Info("Collector stopped")
}

func reloadConfiguration() {
	cfg.GlobalConfigMutex.Lock()
	defer cfg.GlobalConfigMutex.Unlock()

	log.Info("Try to reload configuration")
	conf, err := cfg.FromJson(cfg.GlobalConfigPath)
	if err != nil {
		log.WithError(err).
			Error("Error reading configuration file")
		return
	}

	if conf.LogLevel() != cfg.GlobalConfig.LogLevel() {
		if err := changeLevel(conf.LogLevel()); err != nil {
			return
		}
	}
	if conf.CrashesDir() != cfg.GlobalConfig.CrashesDir() || conf.Port() != cfg.GlobalConfig.Port() {
		log.Warning("Restart is needed to apply storage and server changes")
	}

	cfg.GlobalConfig = conf
	log.Info("Reloaded configuration")
}

func changeLevel(l string) error {
	level, err := log.ParseLevel(l)
	if err != nil {
		log.WithError(err).
			Warn("Can't parse level")
		return err
	}

	log.WithField("level", l).Info("Change log level")
	log.SetLevel(level)
	return nil
}
