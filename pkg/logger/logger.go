// Package logger 提供 helix-chain 的全局结构化日志
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	sugarLogger  *zap.SugaredLogger
	atomicLevel  zap.AtomicLevel
)

// Config 日志配置
type Config struct {
	Level       string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format      string `yaml:"format" json:"format"` // json, console
	ServiceName string `yaml:"service_name" json:"service_name"`
	Environment string `yaml:"environment" json:"environment"`
}

// Init 初始化全局日志
func Init(cfg *Config) error {
	atomicLevel = zap.NewAtomicLevel()
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel.SetLevel(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.AddSync(os.Stdout),
		atomicLevel,
	)

	fields := []zap.Field{zap.String("service", cfg.ServiceName)}
	if cfg.Environment != "" {
		fields = append(fields, zap.String("env", cfg.Environment))
	}

	globalLogger = zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.Fields(fields...),
	)
	sugarLogger = globalLogger.Sugar()

	return nil
}

// SetLevel 动态设置日志级别
func SetLevel(levelStr string) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		return
	}
	atomicLevel.SetLevel(level)
}

// L 获取全局 logger
func L() *zap.Logger {
	if globalLogger == nil {
		globalLogger, _ = zap.NewProduction()
	}
	return globalLogger
}

// S 获取全局 sugar logger
func S() *zap.SugaredLogger {
	if sugarLogger == nil {
		sugarLogger = L().Sugar()
	}
	return sugarLogger
}

// Debug 调试日志 (key-value 形式)
func Debug(msg string, keysAndValues ...interface{}) {
	S().Debugw(msg, keysAndValues...)
}

// Info 信息日志 (key-value 形式)
func Info(msg string, keysAndValues ...interface{}) {
	S().Infow(msg, keysAndValues...)
}

// Warn 警告日志 (key-value 形式)
func Warn(msg string, keysAndValues ...interface{}) {
	S().Warnw(msg, keysAndValues...)
}

// Error 错误日志 (key-value 形式)
func Error(msg string, keysAndValues ...interface{}) {
	S().Errorw(msg, keysAndValues...)
}

// Fatal 致命错误日志 (key-value 形式)
func Fatal(msg string, keysAndValues ...interface{}) {
	S().Fatalw(msg, keysAndValues...)
}

// Sync 同步日志
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
