package cfg

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

const defaultMaxBodySize = 20 * 1024 * 1024

type Config interface {
	Port() uint
	Host() string
	CrashesDir() string
	MaxBodySize() int64
	RabbitServer() string
	RabbitQueue() string
	LogLevel() string
}

var GlobalConfigMutex sync.Mutex
var GlobalConfig Config
var GlobalConfigPath string

func FromJson(pathTo string) (Config, error) {
	file, err := os.Open(pathTo)
	if err != nil {
		log.WithError(err).Error("Get config failed")
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var jconf JsonConfig
	err = decoder.Decode(&jconf)
	if err != nil {
		log.WithError(err).Error("Error at cfg parsing")
		return nil, err
	}

	if jconf.Storage == nil || len(jconf.Storage.Crashes) == 0 {
		return nil, errors.New("The path to the crash storage directory is not set")
	}

	if jconf.Rabbit == nil || len(jconf.Rabbit.Server) == 0 || len(jconf.Rabbit.Queue) == 0 {
		return nil, errors.New("The rabbit server and queue are not set")
	}

	if jconf.Server == nil {
		jconf.Server = &WebServerCfg{}
	}
	if jconf.Server.MaxBodySize == 0 {
		jconf.Server.MaxBodySize = defaultMaxBodySize
	}
	if jconf.Log == nil {
		jconf.Log = &LogCfg{Level: "info"}
	}

	return &jconf, nil
}
