package tglog

import (
	"bytes"
	"testing"

	"github.com/kataras/golog"
	"github.com/stretchr/testify/assert"
)

func TestNewGologLogger(t *testing.T) {
	glogger := golog.New()
	logger := NewGologLogger(glogger)

	assert.NotNil(t, logger)
	assert.Equal(t, LevelInfo, logger.GetLevel())
}

func TestGologLogger_LevelControl(t *testing.T) {
	glogger := golog.New()
	logger := NewGologLogger(glogger)

	logger.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, logger.GetLevel())

	logger.SetLevel(LevelError)
	assert.Equal(t, LevelError, logger.GetLevel())

	logger.SetLevel(LevelNone)
	assert.Equal(t, LevelNone, logger.GetLevel())
}

func TestGologLogger_Logging(t *testing.T) {
	glogger := golog.New()
	logger := NewGologLogger(glogger)
	logger.SetLevel(LevelDebug)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	logger.Debug("debug: %s", "test")
	logger.Info("info: %d", 42)
	logger.Warn("warn: %v", map[string]string{"key": "value"})
	logger.Error("error: %f", 3.14)
}

func TestDefaultLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCustomLogger(&buf, LevelWarn)

	logger.Debug("should not appear")
	logger.Info("should not appear")
	logger.Warn("should appear")
	logger.Error("should appear too")

	assert.NotContains(t, buf.String(), "should not appear")
	assert.Contains(t, buf.String(), "should appear")
}
