// Package logger 提供进程级的结构化日志与审计日志。
// 业务日志通过 L() 获取，审计日志通过 Audit() 获取；两者都基于 log/slog。
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config 描述日志初始化参数。
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig 描述审计日志的落盘与轮转策略。
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu       sync.Mutex
	appLog   *slog.Logger
	auditLog *slog.Logger
	closers  []io.Closer
)

// Init 按配置初始化全局日志器。重复调用只有第一次生效。
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if appLog != nil {
		return nil
	}

	opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level), AddSource: true}
	writer, err := combineOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}
	appLog = slog.New(handler)

	auditLog = appLog
	if cfg.Audit.Enabled {
		audit, err := openAuditLogger(cfg.Audit)
		if err != nil {
			appLog = nil
			return err
		}
		auditLog = audit
	}
	return nil
}

// L 返回业务日志器。未初始化时落到 stdout JSON 输出，测试里可以直接使用。
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if appLog == nil {
		appLog = slog.New(slog.NewJSONHandler(os.Stdout, nil))
		auditLog = appLog
	}
	return appLog
}

// Audit 返回审计日志器。审计事件记录关键业务动作，与运行日志分流。
func Audit() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if auditLog == nil {
		if appLog == nil {
			appLog = slog.New(slog.NewJSONHandler(os.Stdout, nil))
		}
		auditLog = appLog
	}
	return auditLog
}

// Named 返回带组件名分组的子日志器。
func Named(component string) *slog.Logger {
	return L().WithGroup(component)
}

// Sync 关闭日志文件句柄，进程退出前调用。
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	closers = nil
	return err
}

func combineOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(p) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("创建日志目录失败: %w", err)
			}
			file, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("打开日志文件 %s 失败: %w", p, err)
			}
			closers = append(closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func openAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("启用审计日志时必须指定路径")
	}
	writer, err := newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	closers = append(closers, writer)
	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
