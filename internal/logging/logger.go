package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/image-hub/internal/config"
	"github.com/any-hub/image-hub/internal/version"
)

// ServiceName 写入每条日志的 service 字段。
const ServiceName = "image-hub"

// InitLogger 按全局配置构建 JSON 日志：每条记录都带 service/version/storage_path，
// 文件不可写时退回 stdout 并记录一条 logger_fallback。
// 标准 logger 同步为相同配置，供未注入 logger 的组件使用。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	out, fallbackErr := openOutput(cfg)
	if fallbackErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", fallbackErr)
	}

	hook := serviceFields(cfg)
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(hook)

	std := logrus.StandardLogger()
	std.SetFormatter(logger.Formatter)
	std.SetOutput(out)
	std.SetLevel(level)
	std.ReplaceHooks(logrus.LevelHooks{})
	std.AddHook(hook)

	if fallbackErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(fallbackErr.Error())
	}
	return logger, nil
}

// openOutput 返回日志 Writer；LogFilePath 为空时写 stdout，目录无法创建时退回 stdout。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

func serviceFields(cfg config.GlobalConfig) *defaultFieldsHook {
	fields := logrus.Fields{
		"service": ServiceName,
		"version": version.Version,
	}
	if cfg.StoragePath != "" {
		fields["storage_path"] = cfg.StoragePath
	}
	return &defaultFieldsHook{fields: fields}
}

// defaultFieldsHook 给每条日志补上固定字段，调用方显式设置的同名字段优先。
type defaultFieldsHook struct {
	fields logrus.Fields
}

func (h *defaultFieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *defaultFieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
