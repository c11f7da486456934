package logger

import (
	"io"
	"os"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Level 日志级别，屏蔽zapcore细节，供外部包使用
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Logger 对zap.SugaredLogger的轻量封装，支持运行时调整级别
type Logger struct {
	level *zap.AtomicLevel
	sugar *zap.SugaredLogger
}

// New 基于给定输出流和初始级别构造一个Logger
func New(w io.Writer, level Level) *Logger {
	atom := zap.NewAtomicLevelAt(level)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(w), atom)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{level: &atom, sugar: l.Sugar()}
}

// NewProductionRotateByTime 返回一个按时间切割的日志输出流（每天一个文件）
func NewProductionRotateByTime(path string) io.Writer {
	w, err := rotatelogs.New(
		path+".%Y%m%d",
		rotatelogs.WithLinkName(path),
		rotatelogs.WithRotationTime(24*60*60*1e9),
		rotatelogs.WithMaxAge(30*24*60*60*1e9),
	)
	if err != nil {
		return os.Stderr
	}
	return w
}

// NewProductionRotateBySize 返回一个按大小切割的日志输出流
func NewProductionRotateBySize(path string, maxSizeMB, maxBackups, maxAgeDays int) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
}

var std = New(os.Stdout, InfoLevel)

// ReplaceDefault 替换包级默认Logger，用于切换到文件输出等场景
func ReplaceDefault(l *Logger) {
	std = l
}

// SetLevel 调整包级默认Logger的级别
func SetLevel(level Level) {
	std.level.SetLevel(level)
}

// GetError 将error适配为可直接传给Debug/Info/Warn/Error变参调用的值
func GetError(err error) interface{} {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// Sync 刷新底层缓冲，程序退出前应调用
func Sync() error {
	return std.sugar.Sync()
}

func Debug(args ...interface{})            { std.sugar.Debug(args...) }
func Debugf(tpl string, args ...interface{}) { std.sugar.Debugf(tpl, args...) }
func Info(args ...interface{})             { std.sugar.Info(args...) }
func Infof(tpl string, args ...interface{}) { std.sugar.Infof(tpl, args...) }
func Warn(args ...interface{})             { std.sugar.Warn(args...) }
func Warnf(tpl string, args ...interface{}) { std.sugar.Warnf(tpl, args...) }
func Error(args ...interface{})            { std.sugar.Error(args...) }
func Errorf(tpl string, args ...interface{}) { std.sugar.Errorf(tpl, args...) }
func Fatalf(tpl string, args ...interface{}) { std.sugar.Fatalf(tpl, args...) }
