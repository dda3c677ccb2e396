package cfg

type RabbitCfg struct {
	Server   string `json:"server"`
	Queue    string `json:"queue"`
	Exchange string `json:"post-exchange"`
	Type     string `json:"post-type"`
}

type RedisCfg struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type CacheCfg struct {
	Memcached []string `json:"memcache"`
	Redis     RedisCfg `json:"redis"`
}

type LogCfg struct {
	Level string `json:"level"`
}

type ProcessorCfg struct {
	TmpPath        string `json:"tmp_path"`
	Workers        int    `json:"workers"`
	DefaultRuleset string `json:"default_ruleset"`
	HostId         string `json:"host_id"`
	DumpField      string `json:"dump_field"`
	SchemaDir      string `json:"schema_dir"`
}

type StackwalkerCfg struct {
	CommandPath     string   `json:"command_path"`
	CommandLine     string   `json:"command_line"`
	KillTimeout     int      `json:"kill_timeout"`
	SymbolsUrls     []string `json:"symbols_urls"`
	SymbolCachePath string   `json:"symbol_cache_path"`
	SymbolTmpPath   string   `json:"symbol_tmp_path"`
}

type JitCfg struct {
	CommandPath string `json:"command_path"`
	CommandLine string `json:"command_line"`
	KillTimeout int    `json:"kill_timeout"`
}

type MetricsCfg struct {
	Listen string `json:"listen"`
}

type JsonConfig struct {
	Rabbit           *RabbitCfg      `json:"rabbit_cfg"`
	Cache            *CacheCfg       `json:"cache"`
	Elastic          string          `json:"elastic"`
	ElasticIdx       string          `json:"elastic_index"`
	Log              *LogCfg         `json:"log"`
	Processor        *ProcessorCfg   `json:"processor"`
	Stackwalker      *StackwalkerCfg `json:"stackwalker"`
	Jit              *JitCfg         `json:"jit_categorize"`
	VersionStringUrl string          `json:"version_string_api"`
	Metrics          *MetricsCfg     `json:"metrics"`
}

func (cfg *JsonConfig) LogLevel() string {
	return cfg.Log.Level
}

func (cfg *JsonConfig) RabbitServer() string {
	return cfg.Rabbit.Server
}

func (cfg *JsonConfig) RabbitQueue() string {
	return cfg.Rabbit.Queue
}

func (cfg *JsonConfig) RabbitPostExchange() string {
	return cfg.Rabbit.Exchange
}

func (cfg *JsonConfig) RabbitPostType() string {
	return cfg.Rabbit.Type
}

func (cfg *JsonConfig) ElasticUrl() string {
	return cfg.Elastic
}

func (cfg *JsonConfig) ElasticIndex() string {
	return cfg.ElasticIdx
}

func (cfg *JsonConfig) Memcache() []string {
	return cfg.Cache.Memcached
}

func (cfg *JsonConfig) RedisAddres() string {
	return cfg.Cache.Redis.Address
}

func (cfg *JsonConfig) RedisPassword() string {
	return cfg.Cache.Redis.Password
}

func (cfg *JsonConfig) TmpPath() string {
	return cfg.Processor.TmpPath
}

func (cfg *JsonConfig) Workers() int {
	return cfg.Processor.Workers
}

func (cfg *JsonConfig) DefaultRuleset() string {
	return cfg.Processor.DefaultRuleset
}

func (cfg *JsonConfig) HostId() string {
	return cfg.Processor.HostId
}

func (cfg *JsonConfig) DumpField() string {
	return cfg.Processor.DumpField
}

func (cfg *JsonConfig) SchemaDir() string {
	return cfg.Processor.SchemaDir
}

func (cfg *JsonConfig) StackwalkerCommandPath() string {
	return cfg.Stackwalker.CommandPath
}

func (cfg *JsonConfig) StackwalkerCommandLine() string {
	return cfg.Stackwalker.CommandLine
}

func (cfg *JsonConfig) StackwalkerKillTimeout() int {
	return cfg.Stackwalker.KillTimeout
}

func (cfg *JsonConfig) SymbolsUrls() []string {
	return cfg.Stackwalker.SymbolsUrls
}

func (cfg *JsonConfig) SymbolCachePath() string {
	return cfg.Stackwalker.SymbolCachePath
}

func (cfg *JsonConfig) SymbolTmpPath() string {
	return cfg.Stackwalker.SymbolTmpPath
}

func (cfg *JsonConfig) JitCommandPath() string {
	return cfg.Jit.CommandPath
}

func (cfg *JsonConfig) JitCommandLine() string {
	return cfg.Jit.CommandLine
}

func (cfg *JsonConfig) JitKillTimeout() int {
	return cfg.Jit.KillTimeout
}

func (cfg *JsonConfig) VersionStringApi() string {
	return cfg.VersionStringUrl
}

func (cfg *JsonConfig) MetricsListen() string {
	return cfg.Metrics.Listen
}
