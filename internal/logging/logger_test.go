package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	logger := NewLogger(config)

	workerLogger := logger.WithWorker(4)
	workerLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "worker=4") {
		t.Errorf("Expected worker=4 in output, got: %s", output)
	}

	buf.Reset()
	nsLogger := workerLogger.WithNamespace(2)
	nsLogger.Info("ns message")

	output = buf.String()
	if !strings.Contains(output, "worker=4") {
		t.Errorf("Expected worker=4 in ns logger output, got: %s", output)
	}
	if !strings.Contains(output, "ns=2") {
		t.Errorf("Expected ns=2 in output, got: %s", output)
	}
}

func TestLoggerWithIOID(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	logger := NewLogger(config)
	ioLogger := logger.WithIOID(123, "write")
	ioLogger.Debug("processing io")

	output := buf.String()
	if !strings.Contains(output, "io_id=123") {
		t.Errorf("Expected io_id=123 in output, got: %s", output)
	}
	if !strings.Contains(output, "op=write") {
		t.Errorf("Expected op=write in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true}

	logger := NewLogger(config)
	testErr := errors.New("test error")
	errorLogger := logger.WithError(testErr)
	errorLogger.Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestConnectLogging(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelInfo, Format: "text", Output: &buf, Sync: true}

	logger := NewLogger(config)

	logger.ConnectStart("nvme-tcp://10.0.0.1:4420")
	output := buf.String()
	if !strings.Contains(output, "connect starting") {
		t.Errorf("Expected connect start message, got: %s", output)
	}

	buf.Reset()
	logger.ConnectSuccess("nvme-tcp://10.0.0.1:4420")
	output = buf.String()
	if !strings.Contains(output, "connect succeeded") {
		t.Errorf("Expected connect success message, got: %s", output)
	}

	buf.Reset()
	testErr := errors.New("connection refused")
	logger.ConnectError("nvme-tcp://10.0.0.1:4420", testErr)
	output = buf.String()
	if !strings.Contains(output, "connect failed") {
		t.Errorf("Expected connect error message, got: %s", output)
	}
	if !strings.Contains(output, "connection refused") {
		t.Errorf("Expected error text, got: %s", output)
	}
}

func TestIOLogging(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	logger := NewLogger(config)

	logger.IOStart("read", 4096, 8)
	output := buf.String()
	if !strings.Contains(output, "io submitting") {
		t.Errorf("Expected io submitting message, got: %s", output)
	}
	if !strings.Contains(output, "offset=4096") {
		t.Errorf("Expected offset=4096, got: %s", output)
	}

	buf.Reset()
	logger.IOComplete("read", 4096, 8, 150)
	output = buf.String()
	if !strings.Contains(output, "io completed") {
		t.Errorf("Expected io completed message, got: %s", output)
	}
	if !strings.Contains(output, "latency_us=150") {
		t.Errorf("Expected latency_us=150, got: %s", output)
	}

	buf.Reset()
	testErr := errors.New("read failed")
	logger.IOError("read", 4096, 8, testErr)
	output = buf.String()
	if !strings.Contains(output, "io failed") {
		t.Errorf("Expected io failed message, got: %s", output)
	}
	if !strings.Contains(output, "read failed") {
		t.Errorf("Expected error text, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	SetDefault(NewLogger(config))

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("Expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("Expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	output = buf.String()
	if !strings.Contains(output, "info message") {
		t.Errorf("Expected info message, got: %s", output)
	}

	buf.Reset()
	Warn("warning message")
	output = buf.String()
	if !strings.Contains(output, "warning message") {
		t.Errorf("Expected warning message, got: %s", output)
	}

	buf.Reset()
	Error("error message")
	output = buf.String()
	if !strings.Contains(output, "error message") {
		t.Errorf("Expected error message, got: %s", output)
	}
}
