package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the device's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// databases of the conversations
	DefaultBadgerFile = "badger_db"

	// DefaultInfoLogFile and DefaultDebugLogFile receive a copy of the log
	// output when LogToFile is set.
	DefaultInfoLogFile  = "murmur_info.log"
	DefaultDebugLogFile = "murmur_debug.log"
)

// Default configuration values.
const (
	DefaultLogLevel    = "debug"
	DefaultBindAddr    = "127.0.0.1:1337"
	DefaultServiceAddr = "127.0.0.1:8000"
	DefaultTCPTimeout  = 1000 * time.Millisecond
	DefaultJoinTimeout = 30000 * time.Millisecond
	DefaultMaxPool     = 2
	DefaultStore       = false
	DefaultAuthor      = "anonymous"
)

// Config contains all the configuration properties of a murmur node.
type Config struct {
	// The parameters of the gossip engine and of every conversation are
	// flattened into the top level.
	node.Config `mapstructure:",squash"`

	// DataDir is the top-level directory containing murmur configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogToFile copies info and debug output to files in DataDir.
	LogToFile bool `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node gossips with other
	// nodes. In some cases, there may be a routable address that cannot be
	// bound. Use AdvertiseAddr to advertise a different address to support
	// this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service. If not
	// specified, and "no-service" is not set, the API handlers are registered
	// with the DefaultServerMux of the http package.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target in the gossip
	// routines.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of announce and fetch exchanges.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// JoinTimeout is the timeout of exchanges carrying a proof of work, which
	// take as long as the solver needs.
	JoinTimeout time.Duration `mapstructure:"join-timeout"`

	// Store activates persistant storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files, one
	// sub-directory per conversation.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// Author is the identity the local device acts for.
	Author string `mapstructure:"author"`

	// Key is the private key of the device.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		Config:      *node.DefaultConfig(),
		DataDir:     DefaultDataDir(),
		LogLevel:    DefaultLogLevel,
		BindAddr:    DefaultBindAddr,
		ServiceAddr: DefaultServiceAddr,
		TCPTimeout:  DefaultTCPTimeout,
		JoinTimeout: DefaultJoinTimeout,
		MaxPool:     DefaultMaxPool,
		Store:       DefaultStore,
		DatabaseDir: DefaultDatabaseDir(),
		Author:      DefaultAuthor,
	}
	config.Config.Logger = nil

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level murmur directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely set
// it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry, with prefix set to "murmur".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogToFile {
			c.addFileHook()
		}
	}
	return c.logger.WithField("prefix", "murmur")
}

// addFileHook writes info and debug output to files in the data directory.
// Levels whose file cannot be opened stay on stderr only.
func (c *Config) addFileHook() {
	pathMap := lfshook.PathMap{}

	for level, name := range map[logrus.Level]string{
		logrus.InfoLevel:  DefaultInfoLogFile,
		logrus.DebugLevel: DefaultDebugLogFile,
	} {
		path := filepath.Join(c.DataDir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			c.logger.WithError(err).Infof("Failed to open %s, using default stderr", path)
			continue
		}
		f.Close()
		pathMap[level] = path
	}

	if len(pathMap) > 0 {
		c.logger.Hooks.Add(lfshook.NewHook(pathMap, &logrus.TextFormatter{}))
	}
}

// NodeConfig returns the configuration of the gossip engine, logging through
// Logger.
func (c *Config) NodeConfig() *node.Config {
	conf := c.Config
	conf.Logger = c.Logger()
	return &conf
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level murmur config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Murmur")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Murmur")
		} else {
			return filepath.Join(home, ".murmur")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
