package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

func newTestLogger(level zerolog.Level) (*Logger, *bytes.Buffer) {
	output := &bytes.Buffer{}
	zlog := zerolog.New(output).Level(level)
	return NewLogger(&zlog), output
}

func decodeLine(t *testing.T, output *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &entry))
	return entry
}

func TestZerologLogger_NilLogger(t *testing.T) {
	logger := NewLogger(nil)
	require.NotNil(t, logger)

	// Must not panic
	logger.Info("dropped", goaffiliate.Field{Key: "key", Value: "value"})
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg", goaffiliate.Field{Key: "k", Value: "v"}) }, "debug"},
		{"info", func(l *Logger) { l.Info("msg", goaffiliate.Field{Key: "k", Value: "v"}) }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg", goaffiliate.Field{Key: "k", Value: "v"}) }, "warn"},
		{"error", func(l *Logger) { l.Error("msg", goaffiliate.Field{Key: "k", Value: "v"}) }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, output := newTestLogger(zerolog.DebugLevel)
			tt.log(logger)

			entry := decodeLine(t, output)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "msg", entry["message"])
			assert.Equal(t, "v", entry["k"])
			assert.Equal(t, "goaffiliate", entry["component"])
		})
	}
}

func TestZerologLogger_FieldTypes(t *testing.T) {
	logger, output := newTestLogger(zerolog.DebugLevel)

	logger.Warn("failed to parse event list",
		goaffiliate.Field{Key: "bytes", Value: 42},
		goaffiliate.Field{Key: "rate", Value: 1.5},
		goaffiliate.Field{Key: "mixed", Value: true},
		goaffiliate.Field{Key: "error", Value: errors.New("boom")},
		goaffiliate.Field{Key: "codes", Value: []string{"a", "b"}},
	)

	entry := decodeLine(t, output)
	assert.Equal(t, float64(42), entry["bytes"])
	assert.Equal(t, 1.5, entry["rate"])
	assert.Equal(t, true, entry["mixed"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, []interface{}{"a", "b"}, entry["codes"])
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	logger, output := newTestLogger(zerolog.WarnLevel)

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Equal(t, 0, output.Len())

	logger.Warn("warn message")
	assert.NotEqual(t, 0, output.Len())
}

func TestZerologLogger_ImplementsInterface(t *testing.T) {
	var _ goaffiliate.Logger = NewLogger(nil)
}
