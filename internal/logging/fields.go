package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/domain/来源字段，供网关请求日志复用。
func RequestFields(origin, domain, source, cacheKey string) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"domain":    domain,
		"source":    source,
		"cache_key": cacheKey,
	}
}

// CacheFields 描述一次缓存层操作。
func CacheFields(cacheKey, tier string) logrus.Fields {
	return logrus.Fields{
		"cache_key": cacheKey,
		"tier":      tier,
	}
}

// TransferFields 描述一次传输任务。
func TransferFields(taskID uint64, method, url string) logrus.Fields {
	return logrus.Fields{
		"task_id": taskID,
		"method":  method,
		"url":     url,
	}
}
