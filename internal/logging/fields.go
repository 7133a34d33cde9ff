package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// TaskFields 提供下载任务日志的公共字段。
func TaskFields(action, key, identifier string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"key":        key,
		"identifier": identifier,
	}
}

// RequestFields 提供 slot/identifier/命中状态字段，供 HTTP 请求日志复用。
func RequestFields(requestID, slot, identifier string, memoryHit bool) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"slot":       slot,
		"identifier": identifier,
		"memory_hit": memoryHit,
	}
}
