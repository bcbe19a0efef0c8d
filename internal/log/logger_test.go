package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filler/internal/config"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud", Encoding: "console"})
	if err == nil {
		t.Fatalf("期望非法级别返回错误")
	}
}

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filler.log")
	logger, err := NewLogger(config.LoggingConfig{
		Level:       "info",
		Encoding:    "json",
		OutputPaths: []string{"stdout"},
		File:        config.LoggingFileConfig{Path: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("创建日志失败: %v", err)
	}

	logger.Info("写入文件")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	if !strings.Contains(string(data), "写入文件") {
		t.Fatalf("日志文件缺少记录: %s", data)
	}
	if !strings.Contains(string(data), `"service":"filler"`) {
		t.Errorf("日志文件缺少 service 字段: %s", data)
	}
}
