package config

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	cache := c.Cache
	if cache.MemoryBytes <= 0 {
		return newFieldError(cacheField("MemoryBytes"), "必须大于 0")
	}
	if cache.WeakEntries <= 0 {
		return newFieldError(cacheField("WeakEntries"), "必须大于 0")
	}
	if cache.DiskBytes <= 0 {
		return newFieldError(cacheField("DiskBytes"), "必须大于 0")
	}
	if err := validateDiskDir(cache.DiskDir); err != nil {
		return err
	}
	if cache.MaxConcurrentDownloads <= 0 {
		return newFieldError(cacheField("MaxConcurrentDownloads"), "必须大于 0")
	}
	if cache.DeliveryTimeout.DurationValue() <= 0 {
		return newFieldError(cacheField("DeliveryTimeout"), "必须大于 0")
	}

	return nil
}

func validateDiskDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return newFieldError(cacheField("DiskDir"), "不能为空")
	}
	if filepath.IsAbs(dir) {
		return nil
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return newFieldError(cacheField("DiskDir"), "相对路径不允许跳出 StoragePath")
		}
	}
	return nil
}
