package common

import (
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

// testLoggerAdapter maps log output to t.Log, so that logs only show for
// failed tests. Output written after the test has finished is dropped, since
// background routines may outlive it and t.Log would panic.
type testLoggerAdapter struct {
	t    testing.TB
	done int32
}

func (a *testLoggerAdapter) Write(d []byte) (int, error) {
	n := len(d)
	if atomic.LoadInt32(&a.done) == 1 {
		return n, nil
	}
	if n > 0 && d[n-1] == '\n' {
		d = d[:n-1]
	}
	a.t.Log(string(d))
	return n, nil
}

// NewTestLogger returns a logrus Logger that writes to t.Log at the given
// level.
func NewTestLogger(t testing.TB, level logrus.Level) *logrus.Logger {
	adapter := &testLoggerAdapter{t: t}
	t.Cleanup(func() { atomic.StoreInt32(&adapter.done, 1) })

	logger := logrus.New()
	logger.Out = adapter
	logger.Level = level
	return logger
}

// NewTestEntry is a shortcut for tests that need a *logrus.Entry with a
// prefix field, like the ones handed out by config.Logger.
func NewTestEntry(t testing.TB, prefix string) *logrus.Entry {
	return NewTestLogger(t, logrus.DebugLevel).WithField("prefix", prefix)
}
