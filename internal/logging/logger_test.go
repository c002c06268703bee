package logging

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
)

func TestDefaultLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		wantError bool
		wantWarn  bool
		wantInfo  bool
		wantDebug bool
	}{
		{LevelError, true, false, false, false},
		{LevelWarn, true, true, false, false},
		{LevelInfo, true, true, true, false},
		{LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Errorf("error %d", 1)
			logger.Warnf("warn %d", 2)
			logger.Infof("info %d", 3)
			logger.Debugf("debug %d", 4)

			output := buf.String()
			if got := strings.Contains(output, "ERROR error 1"); got != tt.wantError {
				t.Errorf("error logged: got %v, want %v", got, tt.wantError)
			}
			if got := strings.Contains(output, "WARN warn 2"); got != tt.wantWarn {
				t.Errorf("warn logged: got %v, want %v", got, tt.wantWarn)
			}
			if got := strings.Contains(output, "INFO info 3"); got != tt.wantInfo {
				t.Errorf("info logged: got %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(output, "DEBUG debug 4"); got != tt.wantDebug {
				t.Errorf("debug logged: got %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestDefaultLogger_Namespace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)
	logger.Infof(NSFlush+"memtable %d flushed", 3)

	if !strings.Contains(buf.String(), "INFO [flush] memtable 3 flushed") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestWithFatalHandler(t *testing.T) {
	var buf bytes.Buffer
	var called atomic.Value
	logger := WithFatalHandler(NewLogger(&buf, LevelError), func(msg string) { called.Store(msg) })
	logger.Warnf("filtered")
	logger.Fatalf("manifest write failed: %s", "disk gone")

	if got, _ := called.Load().(string); got != "manifest write failed: disk gone" {
		t.Errorf("handler got %q", got)
	}
	if !strings.Contains(buf.String(), "FATAL manifest write failed") {
		t.Errorf("fatal line missing: %q", buf.String())
	}
	if strings.Contains(buf.String(), "filtered") {
		t.Errorf("warning passed an error-level logger: %q", buf.String())
	}
}

func TestParseLevelRoundTrip(t *testing.T) {
	for _, l := range []Level{LevelError, LevelWarn, LevelInfo, LevelDebug} {
		if got, err := ParseLevel(l.String()); err != nil || got != l {
			t.Errorf("ParseLevel(%q) = %v, %v", l.String(), got, err)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"error": LevelError, "WARN": LevelWarn, "": LevelWarn, "info": LevelInfo, "debug": LevelDebug} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel(verbose) should fail")
	}
}

func TestOrDefault(t *testing.T) {
	var typedNil *DefaultLogger
	if OrDefault(typedNil) == nil {
		t.Fatal("OrDefault returned nil for typed nil")
	}
	if !IsNil(typedNil) {
		t.Error("IsNil(typed nil) = false")
	}
	if OrDefault(Discard) != Discard {
		t.Error("OrDefault replaced a valid logger")
	}
}
