package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// ParseLevel 解析日志级别，无法识别时返回 info
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Init 初始化日志
// 日志写到 stderr，stdout 留给 watch 命令输出运行日志
func Init(lvl string, development bool) error {
	level.SetLevel(ParseLevel(lvl))

	config := zap.Config{
		Level:       level,
		Development: development,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	built, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	SetLogger(built)
	return nil
}

// SetLevel 运行时调整日志级别
func SetLevel(lvl string) {
	level.SetLevel(ParseLevel(lvl))
}

// Level 返回当前日志级别
func Level() zapcore.Level {
	return level.Level()
}

// SetLogger 替换全局 logger，测试里用来注入 observer
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
	sugar = l.Sugar()
}

// L 获取 logger
func L() *zap.Logger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l == nil {
		// 如果未初始化，使用默认配置
		_ = Init("info", false)
		mu.RLock()
		l = log
		mu.RUnlock()
	}
	return l
}

// S 获取 sugared logger
func S() *zap.SugaredLogger {
	L()
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Sync 同步日志
func Sync() error {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l != nil {
		return l.Sync()
	}
	return nil
}

// Named 返回带组件名的 logger
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// With 创建带字段的 logger
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Debug 调试日志
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info 信息日志
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn 警告日志
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error 错误日志
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal 致命错误日志
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
	os.Exit(1)
}
