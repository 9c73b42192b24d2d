package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	klog "github.com/go-kratos/kratos/v2/log"
	"github.com/sirupsen/logrus"
)

// Log 全局日志实例，未初始化时也可以直接使用
var Log = logrus.New()

// CustomFormatter 自定义日志格式
type CustomFormatter struct{}

// Format 实现 logrus.Formatter 接口
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fileLine string
	if entry.HasCaller() {
		fileName := filepath.Base(entry.Caller.File)
		fileLine = fmt.Sprintf("%s:%d", fileName, entry.Caller.Line)
	}

	// 对齐级别长度，例如 INFO, WARN, ERRO
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	timeStr := entry.Time.Format("2006-01-02 15:04:05")

	// [TIME] [LEVEL] [FILE:LINE] MSG key=value...
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] [%s] [%s] %s", timeStr, level, fileLine, entry.Message)
	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, entry.Data[k])
		}
	}
	sb.WriteByte('\n')

	return []byte(sb.String()), nil
}

// InitLogger 初始化日志
func InitLogger(levelStr string, filePath string) error {
	l := logrus.New()

	// 开启 ReportCaller 以获取文件名和行号
	l.SetReportCaller(true)
	l.SetFormatter(&CustomFormatter{})

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	// 同时输出到控制台和文件
	writers := []io.Writer{os.Stdout}
	if filePath != "" {
		logDir := filepath.Dir(filePath)
		if logDir != "." {
			if err := os.MkdirAll(logDir, 0o755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
		}

		file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return err
		}
		writers = append(writers, file)
	}
	l.SetOutput(io.MultiWriter(writers...))

	Log = l
	return nil
}

// kratosLogger 把 kratos 的 key/value 日志转发到 logrus
type kratosLogger struct {
	l *logrus.Logger
}

// NewKratosLogger 返回写入 logrus 的 kratos log.Logger
func NewKratosLogger(l *logrus.Logger) klog.Logger {
	return &kratosLogger{l: l}
}

// Log 实现 klog.Logger
func (k *kratosLogger) Log(level klog.Level, keyvals ...interface{}) error {
	fields := logrus.Fields{}
	var msg string
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		var val interface{} = "KEYVALS UNPAIRED"
		if i+1 < len(keyvals) {
			val = keyvals[i+1]
		}
		if key == klog.DefaultMessageKey {
			msg = fmt.Sprint(val)
			continue
		}
		fields[key] = val
	}

	entry := k.l.WithFields(fields)
	switch level {
	case klog.LevelDebug:
		entry.Debug(msg)
	case klog.LevelWarn:
		entry.Warn(msg)
	case klog.LevelError, klog.LevelFatal:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
	return nil
}
