package config

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetDataDir(t *testing.T) {
	conf := NewDefaultConfig()
	conf.SetDataDir("/tmp/murmur")

	if conf.DatabaseDir != filepath.Join("/tmp/murmur", DefaultBadgerFile) {
		t.Fatalf("default database dir should follow the data dir, got %s", conf.DatabaseDir)
	}
	if conf.Keyfile() != filepath.Join("/tmp/murmur", DefaultKeyfile) {
		t.Fatalf("keyfile should live in the data dir, got %s", conf.Keyfile())
	}

	conf.DatabaseDir = "/var/db"
	conf.SetDataDir("/tmp/other")
	if conf.DatabaseDir != "/var/db" {
		t.Fatalf("explicit database dir should be kept, got %s", conf.DatabaseDir)
	}
}

func TestNodeConfig(t *testing.T) {
	conf := NewTestConfig(t, logrus.DebugLevel)
	conf.SyncLimit = 7
	conf.HotWindow = 3

	nc := conf.NodeConfig()
	if nc.SyncLimit != 7 || nc.HotWindow != 3 {
		t.Fatalf("node config should carry the flattened options, got %d %d", nc.SyncLimit, nc.HotWindow)
	}
	if nc.Logger == nil {
		t.Fatalf("node config should log through the config logger")
	}

	nc.SyncLimit = 1
	if conf.SyncLimit != 7 {
		t.Fatalf("NodeConfig should return a copy")
	}
}

func TestLogToFile(t *testing.T) {
	conf := NewDefaultConfig()
	conf.DataDir = t.TempDir()
	conf.LogToFile = true

	logger := conf.Logger()
	if n := len(logger.Logger.Hooks[logrus.InfoLevel]); n != 1 {
		t.Fatalf("a file hook should be registered, got %d", n)
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"fatal":   logrus.FatalLevel,
		"panic":   logrus.PanicLevel,
		"unknown": logrus.DebugLevel,
	}
	for s, l := range cases {
		if LogLevel(s) != l {
			t.Fatalf("LogLevel(%s) should be %s", s, l)
		}
	}
}
