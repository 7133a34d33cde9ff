package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志与存储根目录。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	UserAgent       string   `mapstructure:"UserAgent"`
}

// CacheConfig 对应 [Cache] 表，控制三级缓存与下载并发。
type CacheConfig struct {
	// MemoryBytes 是强引用层按解码后像素字节计算的上限。
	MemoryBytes int64 `mapstructure:"MemoryBytes"`
	// WeakEntries 是弱引用层的条目数上限。
	WeakEntries int `mapstructure:"WeakEntries"`
	// DiskBytes 是磁盘层已提交字节总量上限。
	DiskBytes int64 `mapstructure:"DiskBytes"`
	// DiskDir 为相对路径时挂在 StoragePath 下。
	DiskDir                string   `mapstructure:"DiskDir"`
	MaxConcurrentDownloads int      `mapstructure:"MaxConcurrentDownloads"`
	DeliveryTimeout        Duration `mapstructure:"DeliveryTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
}

// DiskPath 返回磁盘层目录的最终路径。
func (c *Config) DiskPath() string {
	if filepath.IsAbs(c.Cache.DiskDir) {
		return c.Cache.DiskDir
	}
	return filepath.Join(c.Global.StoragePath, c.Cache.DiskDir)
}
