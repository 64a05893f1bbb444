package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/缓存代/命中状态字段，供代理请求日志复用。
func RequestFields(site, domain, generation, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":       site,
		"domain":     domain,
		"generation": generation,
		"source":     source,
		"cache_hit":  cacheHit,
	}
}

// CacheFields 描述一次针对缓存代的存储操作。
func CacheFields(action, generation, key string) logrus.Fields {
	fields := logrus.Fields{
		"action":     action,
		"generation": generation,
	}
	if key != "" {
		fields["key"] = key
	}
	return fields
}
