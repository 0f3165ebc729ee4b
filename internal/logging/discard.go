package logging

// discardLogger drops all messages. Useful for tests and for callers that
// want logging fully disabled without a nil check on every call site.
type discardLogger struct{}

// Discard is a Logger that drops everything, including fatal messages.
var Discard Logger = discardLogger{}

func (discardLogger) Errorf(format string, args ...any) {}
func (discardLogger) Warnf(format string, args ...any)  {}
func (discardLogger) Infof(format string, args ...any)  {}
func (discardLogger) Debugf(format string, args ...any) {}
func (discardLogger) Fatalf(format string, args ...any) {}
