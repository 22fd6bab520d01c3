package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/appshell/appshell/internal/config"
)

// InitLogger 初始化 JSON 结构化日志。配置了 LogFilePath 时写入带轮转的
// 日志文件，否则输出到 stdout；文件不可写时降级到 stdout 并记录一条警告，
// 保证进程不会因为日志目录问题启动失败。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	var fileErr error
	if cfg.LogFilePath != "" {
		if fileErr = os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); fileErr == nil {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogFilePath,
				MaxSize:    cfg.LogMaxSize,
				MaxBackups: cfg.LogMaxBackups,
				Compress:   cfg.LogCompress,
				LocalTime:  true,
			})
		} else {
			fileErr = fmt.Errorf("创建日志目录失败: %w", fileErr)
			fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", fileErr)
		}
	}

	// 同步默认 logger，让依赖包级 logrus 的代码与注入实例行为一致。
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if fileErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(fileErr.Error())
	}

	return logger, nil
}
