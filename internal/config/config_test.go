package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateCacheLimits(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"memory", func(c *Config) { c.Cache.MemoryBytes = 0 }, "Cache.MemoryBytes"},
		{"weak", func(c *Config) { c.Cache.WeakEntries = -1 }, "Cache.WeakEntries"},
		{"disk", func(c *Config) { c.Cache.DiskBytes = 0 }, "Cache.DiskBytes"},
		{"concurrency", func(c *Config) { c.Cache.MaxConcurrentDownloads = 0 }, "Cache.MaxConcurrentDownloads"},
		{"delivery timeout", func(c *Config) { c.Cache.DeliveryTimeout = 0 }, "Cache.DeliveryTimeout"},
		{"escaping dir", func(c *Config) { c.Cache.DiskDir = "../outside" }, "Cache.DiskDir"},
		{"log level", func(c *Config) { c.Global.LogLevel = "loud" }, "Global.LogLevel"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			fieldErr, ok := err.(FieldError)
			if !ok {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDiskPath(t *testing.T) {
	cfg := validConfig()
	cfg.Global.StoragePath = "/var/lib/image-hub"
	if got := cfg.DiskPath(); got != filepath.Join("/var/lib/image-hub", "imagecache") {
		t.Fatalf("unexpected disk path: %s", got)
	}
	cfg.Cache.DiskDir = "/mnt/cache"
	if got := cfg.DiskPath(); got != "/mnt/cache" {
		t.Fatalf("absolute DiskDir should be used as is: %s", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
		},
		Cache: CacheConfig{
			MemoryBytes:            1024,
			WeakEntries:            15,
			DiskBytes:              4096,
			DiskDir:                "imagecache",
			MaxConcurrentDownloads: 8,
			DeliveryTimeout:        Duration(time.Second),
		},
	}
}
