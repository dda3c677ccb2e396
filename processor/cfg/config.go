package cfg

import (
	"encoding/json"
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
)

type Config interface {
	LogLevel() string

	RabbitServer() string
	RabbitQueue() string
	RabbitPostExchange() string
	RabbitPostType() string

	ElasticUrl() string
	ElasticIndex() string

	Memcache() []string
	RedisAddres() string
	RedisPassword() string

	TmpPath() string
	Workers() int
	DefaultRuleset() string
	HostId() string
	DumpField() string
	SchemaDir() string

	StackwalkerCommandPath() string
	StackwalkerCommandLine() string
	StackwalkerKillTimeout() int
	SymbolsUrls() []string
	SymbolCachePath() string
	SymbolTmpPath() string

	// empty when jit crashes are not categorized
	JitCommandPath() string
	JitCommandLine() string
	JitKillTimeout() int

	VersionStringApi() string
	MetricsListen() string
}

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

	if err := jconf.validate(); err != nil {
		return nil, err
	}
	jconf.setDefaults()

	return &jconf, nil
}

func (cfg *JsonConfig) validate() error {
	if cfg.Rabbit == nil || len(cfg.Rabbit.Server) == 0 || len(cfg.Rabbit.Queue) == 0 {
		return errors.New("rabbit_cfg server and queue can't be empty")
	}
	if cfg.Stackwalker == nil || len(cfg.Stackwalker.CommandPath) == 0 {
		return errors.New("stackwalker command_path can't be empty")
	}
	if cfg.Processor != nil && cfg.Processor.Workers < 0 {
		return errors.New("processor workers can't be negative")
	}
	return nil
}

func (cfg *JsonConfig) setDefaults() {
	if cfg.Log == nil {
		cfg.Log = &LogCfg{Level: "info"}
	}
	if cfg.Cache == nil {
		cfg.Cache = &CacheCfg{}
	}
	if cfg.Processor == nil {
		cfg.Processor = &ProcessorCfg{}
	}
	if cfg.Processor.Workers == 0 {
		cfg.Processor.Workers = 1
	}
	if len(cfg.Processor.DefaultRuleset) == 0 {
		cfg.Processor.DefaultRuleset = "default"
	}
	if len(cfg.Processor.TmpPath) == 0 {
		cfg.Processor.TmpPath = os.TempDir()
	}
	if len(cfg.ElasticIdx) == 0 {
		cfg.ElasticIdx = "crashmill"
	}
	if cfg.Jit == nil {
		cfg.Jit = &JitCfg{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsCfg{}
	}
}
