package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供构建/路由策略/命中状态字段，供拦截请求日志复用。
func RequestFields(buildID, strategy, path string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"build":     buildID,
		"strategy":  strategy,
		"path":      path,
		"cache_hit": cacheHit,
	}
}
