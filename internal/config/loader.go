package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultMemoryBytes     = 64 * 1024 * 1024
	defaultWeakEntries     = 15
	defaultDiskBytes       = 10 * 1024 * 1024
	defaultDiskDir         = "imagecache"
	defaultConcurrency     = 8
	defaultDeliveryTimeout = 10 * time.Second
)

// cacheKeys 是 [Cache] 表允许出现的字段（小写，与 viper 的键规范一致）。
var cacheKeys = map[string]struct{}{
	"memorybytes":            {},
	"weakentries":            {},
	"diskbytes":              {},
	"diskdir":                {},
	"maxconcurrentdownloads": {},
	"deliverytimeout":        {},
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectUnknownCacheKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("Cache.MemoryBytes", defaultMemoryBytes)
	v.SetDefault("Cache.WeakEntries", defaultWeakEntries)
	v.SetDefault("Cache.DiskBytes", defaultDiskBytes)
	v.SetDefault("Cache.DiskDir", defaultDiskDir)
	v.SetDefault("Cache.MaxConcurrentDownloads", defaultConcurrency)
	v.SetDefault("Cache.DeliveryTimeout", "10s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyCacheDefaults(c *CacheConfig) {
	if strings.TrimSpace(c.DiskDir) == "" {
		c.DiskDir = defaultDiskDir
	}
	if c.DeliveryTimeout.DurationValue() == 0 {
		c.DeliveryTimeout = Duration(defaultDeliveryTimeout)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectUnknownCacheKeys 拒绝 [Cache] 表中的拼写错误，避免静默回退到默认值。
func rejectUnknownCacheKeys(v *viper.Viper) error {
	raw, ok := v.Get("Cache").(map[string]interface{})
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, known := cacheKeys[strings.ToLower(key)]; !known {
			return newFieldError(cacheField(key), "未知字段")
		}
	}
	return nil
}
