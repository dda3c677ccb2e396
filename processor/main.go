package main

import (
	"flag"
	"fmt"
	"os"

	"crashmill/processor/cfg"
	"crashmill/processor/service"

	log "github.com/sirupsen/logrus"
)

var Build string
var Version string

func parseFlags() string {
	var cPath string
	var showVersion, showBuild bool

	flag.StringVar(&cPath, "config", "", "path to processor configuration file")
	flag.BoolVar(&showVersion, "version", false, "show version")
	flag.BoolVar(&showBuild, "build", false, "show build")
	flag.Parse()

	switch {
	case showVersion:
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	case showBuild:
		fmt.Printf("Build: %s\n", Build)
		os.Exit(0)
	case cPath == "":
		flag.PrintDefaults()
		log.Fatal("Config file is not set")
	}
	return cPath
}

func loadConfig(path string) {
	conf, err := cfg.FromJson(path)
	if err != nil {
		log.WithFields(log.Fields{
			"path":  path,
			"error": err,
		}).Fatal("Error reading processor configuration")
	}
	cfg.GlobalConfig = conf
	cfg.GlobalConfigPath = path

	level, err := log.ParseLevel(conf.LogLevel())
	if err != nil {
		log.WithError(err).Warning("Can't setup log level")
		return
	}
	log.SetLevel(level)
	log.WithFields(log.Fields{
		"level":   level,
		"version": Version,
		"build":   Build,
	}).Info("Processor configured")
}

func HandleError(err error) {
	if err != nil {
		panic(fmt.Sprintf("Error: %s", err.Error()))
	}
}

func main() {
	loadConfig(parseFlags())

	processor := service.ProcessorService{}
	HandleError(processor.Init(cfg.GlobalConfig))
	HandleError(processor.Loop())
}
