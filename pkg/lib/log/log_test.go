package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

// TestLazyLogger_FollowsDefault 测试 LazyLogger 跟随默认 logger 切换
func TestLazyLogger_FollowsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	l := Logger("core/test")

	var buf bytes.Buffer
	Setup(&buf, LevelInfo, false)
	l.Debug("hidden")
	l.Info("shown", "k", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "component=core/test")
	assert.False(t, l.Enabled(LevelDebug))

	buf.Reset()
	Setup(&buf, LevelDebug, true)
	l.Debug("now visible")
	assert.Contains(t, buf.String(), `"component":"core/test"`)
}
