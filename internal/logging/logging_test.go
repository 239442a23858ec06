package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "warn"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "engine").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("warn 级别下应只输出一行，实际 %d", len(lines))
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("解析日志失败: %v", err)
	}
	if entry["message"] != "visible" || entry["component"] != "engine" || entry["level"] != "warn" {
		t.Fatalf("日志字段异常: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatal("日志应包含时间戳")
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "bogus"}, &buf)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("非法级别应回退到 info: %s", buf.String())
	}
}

func TestNewLoggerConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Format: "console"}, &buf)
	logger.Info().Msg("hello")
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Fatal("console 格式不应输出 JSON")
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("输出缺少消息: %s", buf.String())
	}
}

func TestNewLoggerStampsService(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Service: "safepassage", Environment: "staging"}, &buf)
	logger.Info().Msg("tagged")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("解析日志失败: %v", err)
	}
	if entry["service"] != "safepassage" || entry["env"] != "staging" {
		t.Fatalf("日志应包含 service 与 env 字段: %v", entry)
	}
}
