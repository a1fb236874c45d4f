package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerComponentAttribution(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Handler: slog.NewTextHandler(&buf, nil)})

	logger.Info("starting")
	if !strings.Contains(buf.String(), "component="+ComponentApp) {
		t.Errorf("expected default component attr, got %q", buf.String())
	}

	buf.Reset()
	logger.WithComponent(ComponentWorker).Warn("bucket drift")
	if !strings.Contains(buf.String(), "component="+ComponentWorker) {
		t.Errorf("expected worker component attr, got %q", buf.String())
	}
}
