package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshenhu/doipgw/internal/config"
)

func TestTextLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, c, err := NewWithOutput(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)
	defer c.Close()

	l.Infof("hidden %d", 1)
	l.WithField("sa", "0x0e00").Warnf("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "sa=0x0e00")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, c, err := NewWithOutput(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	defer c.Close()

	l.WithField("socket", 3).Debugf("closed")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "closed", rec["msg"])
	assert.Equal(t, "debug", rec["level"])
	assert.Equal(t, float64(3), rec["socket"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doipd.log")
	var buf bytes.Buffer
	l, c, err := NewWithOutput(config.LogConfig{
		Level:  "info",
		Format: "text",
		File:   config.FileConfig{Enabled: true, Path: path, MaxSizeMB: 1},
	}, &buf)
	require.NoError(t, err)

	l.Info("to both")
	require.NoError(t, c.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestLevelNames(t *testing.T) {
	for _, level := range []string{"", "trace", "WARNING", "Error"} {
		var buf bytes.Buffer
		l, c, err := NewWithOutput(config.LogConfig{Level: level}, &buf)
		require.NoError(t, err, level)
		l.Errorf("always")
		assert.Contains(t, buf.String(), "always", level)
		c.Close()
	}
}

func TestInvalid(t *testing.T) {
	_, _, err := NewWithOutput(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, _, err = NewWithOutput(config.LogConfig{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, _, err = NewWithOutput(config.LogConfig{File: config.FileConfig{Enabled: true}}, &bytes.Buffer{})
	assert.Error(t, err)
}
