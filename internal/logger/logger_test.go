package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	if buf.Len() > 0 {
		t.Fatalf("expected no output at warn level, got: %s", buf.String())
	}
	log.Warn("should appear", "key", "value")
	out := buf.String()
	if !strings.Contains(out, "should appear") || !strings.Contains(out, `"key":"value"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestForRankJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := ForRank(JSON(&buf, slog.LevelInfo), 3, 1)
	log.Info("shard ready")
	out := buf.String()
	if !strings.Contains(out, `"rank":3`) || !strings.Contains(out, `"device":1`) {
		t.Fatalf("expected rank and device attributes, got: %s", out)
	}
}

func TestPrettyRankTag(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := ForRank(Pretty(&buf, slog.LevelInfo), 2, 0)
	log.Info("joined group", "axis", "tensor")
	out := buf.String()
	if !strings.Contains(out, "[r2/d0]") {
		t.Fatalf("expected rank tag, got: %s", out)
	}
	if strings.Contains(out, "rank=2") {
		t.Fatalf("rank should be lifted out of the attributes: %s", out)
	}
	if !strings.Contains(out, "axis=tensor") {
		t.Fatalf("expected remaining attributes, got: %s", out)
	}
}

func TestPrettyGroupKeepsRankAttr(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo).WithGroup("comm")
	log.Info("msg", "rank", 1)
	if !strings.Contains(buf.String(), "comm.rank=1") {
		t.Fatalf("grouped rank should stay an attribute, got: %s", buf.String())
	}
}

func TestPrettyQuotesStringsWithSpaces(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	Pretty(&buf, slog.LevelInfo).Info("test", "path", "/model dir/ckpt")
	if !strings.Contains(buf.String(), `path="/model dir/ckpt"`) {
		t.Fatalf("expected quoted value, got: %s", buf.String())
	}
}

func TestForFormat(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"json":   `"msg":"hello"`,
		"text":   "msg=hello",
		"pretty": "hello",
	}
	for format, want := range cases {
		var buf bytes.Buffer
		ForFormat(&buf, format, slog.LevelInfo).Info("hello")
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("%s: expected %q in %q", format, want, buf.String())
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
