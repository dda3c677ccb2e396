package cfg

type WebServerCfg struct {
	Port        uint   `json:"port"`
	Host        string `json:"host"`
	MaxBodySize int64  `json:"max_body_size"`
}

type StorageCfg struct {
	Crashes string `json:"crashes"`
}

type RabbitCfg struct {
	Server string `json:"server"`
	Queue  string `json:"queue"`
}

type LogCfg struct {
	Level string `json:"level"`
}

type JsonConfig struct {
	Storage *StorageCfg   `json:"storage"`
	Server  *WebServerCfg `json:"web_server"`
	Rabbit  *RabbitCfg    `json:"rabbit_cfg"`
	Log     *LogCfg       `json:"log"`
}

func (cfg *JsonConfig) Port() uint {
	return cfg.Server.Port
}

func (cfg *JsonConfig) Host() string {
	return cfg.Server.Host
}

func (cfg *JsonConfig) MaxBodySize() int64 {
	return cfg.Server.MaxBodySize
}

func (cfg *JsonConfig) CrashesDir() string {
	return cfg.Storage.Crashes
}

func (cfg *JsonConfig) RabbitServer() string {
	return cfg.Rabbit.Server
}

func (cfg *JsonConfig) RabbitQueue() string {
	return cfg.Rabbit.Queue
}

func (cfg *JsonConfig) LogLevel() string {
	return cfg.Log.Level
}
