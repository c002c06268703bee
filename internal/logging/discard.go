package logging

// DiscardLogger drops every message.
type DiscardLogger struct{}

// Discard is the shared no-op logger, handy in tests and benchmarks.
var Discard Logger = DiscardLogger{}

func (DiscardLogger) Errorf(string, ...any) {}
func (DiscardLogger) Warnf(string, ...any)  {}
func (DiscardLogger) Infof(string, ...any)  {}
func (DiscardLogger) Debugf(string, ...any) {}
func (DiscardLogger) Fatalf(string, ...any) {}
