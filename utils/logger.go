package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger = zap.NewNop()

// InitLogger 初始化全局日志，release 使用 JSON 输出，其余模式使用彩色开发输出
func InitLogger(mode, level string) error {
	var config zap.Config

	if mode == "release" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return err
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := config.Build()
	if err != nil {
		return err
	}

	Logger = logger
	return nil
}

// Named returns a child of the global logger, or of l when non-nil.
func Named(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		l = Logger
	}
	return l.Named(name)
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
