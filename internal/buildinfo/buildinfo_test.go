package buildinfo

import (
	"bytes"
	"log/slog"
	"runtime"
	"strings"
	"testing"
)

func TestCurrent(t *testing.T) {
	b := Current()
	if b.Version != Version || b.GoVersion != runtime.Version() {
		t.Errorf("Current() = %+v", b)
	}
	if !strings.HasPrefix(b.String(), "lane "+Version+" ") {
		t.Errorf("String() = %q", b.String())
	}
}

func TestLogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("start", "build", Current())

	out := buf.String()
	for _, want := range []string{"build.version=" + Version, "build.go=" + runtime.Version()} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "lane/"+Version) {
		t.Errorf("UserAgent() = %q", ua)
	}
}
