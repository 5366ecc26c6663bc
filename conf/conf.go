package conf

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"xmysql-ibd-parser/logger"
)

// Cfg 工具运行配置。来源优先级: 命令行 > 环境变量 > ini配置文件 > 默认值。
type Cfg struct {
	Raw *ini.File

	// logs
	LogLevel string `default:"info"`
	LogPath  string

	// parser
	Timezone    string `default:"America/Sao_Paulo"`
	DataDir     string
	Debug       bool
	LobMaxBytes int `default:"65536"`
}

// CommandLineArgs 命令行传入的全局参数
type CommandLineArgs struct {
	ConfigPath string
}

// NewCfg 创建默认配置
func NewCfg() *Cfg {
	return &Cfg{
		LogLevel:    "info",
		Timezone:    "America/Sao_Paulo",
		LobMaxBytes: 65536,
	}
}

// Load 加载配置文件与环境变量
func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	if args != nil && args.ConfigPath != "" {
		raw, err := ini.Load(args.ConfigPath)
		if err != nil {
			logger.Warnf("cannot load config file %s: %v", args.ConfigPath, err)
		} else {
			cfg.Raw = raw
			cfg.applyIni(raw)
		}
	}
	cfg.applyEnv()
	return cfg
}

func (cfg *Cfg) applyIni(raw *ini.File) {
	sec := raw.Section("ibparser")
	if v := sec.Key("log_level").String(); v != "" {
		cfg.LogLevel = v
	}
	if v := sec.Key("log_path").String(); v != "" {
		cfg.LogPath = v
	}
	if v := sec.Key("timezone").String(); v != "" {
		cfg.Timezone = v
	}
	if v := sec.Key("datadir").String(); v != "" {
		cfg.DataDir = v
	}
	if v, err := sec.Key("lob_max_bytes").Int(); err == nil && v > 0 {
		cfg.LobMaxBytes = v
	}
}

func (cfg *Cfg) applyEnv() {
	if v := os.Getenv("IB_PARSER_TZ"); v != "" {
		cfg.Timezone = v
	} else if v := os.Getenv("TZ"); v != "" {
		cfg.Timezone = v
	}

	if v := os.Getenv("MYSQL_DATADIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("IB_PARSER_DATADIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("IB_PARSER_DEBUG"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n != 0 {
			cfg.Debug = true
			cfg.LogLevel = "debug"
		} else if err != nil {
			// 非数字的非空值同样视为开启
			cfg.Debug = true
			cfg.LogLevel = "debug"
		}
	}
}
