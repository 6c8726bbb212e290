package commands

import (
	"github.com/mosaicnetworks/murmur/src/murmur"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a murmur node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runMurmur,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runMurmur(cmd *cobra.Command, args []string) error {
	engine := murmur.NewMurmur(&_config.Murmur)

	if err := engine.Init(); err != nil {
		_config.Murmur.Logger().WithError(err).Error("Cannot initialize engine")
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddBaseFlags adds the flags shared by every command that opens the data
//directory
func AddBaseFlags(cmd *cobra.Command) {
	cmd.Flags().String("datadir", _config.Murmur.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.Murmur.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().Bool("log-file", _config.Murmur.LogToFile, "Copy info and debug output to files in datadir")
	cmd.Flags().String("author", _config.Murmur.Author, "Identity the local device acts for")
	cmd.Flags().Bool("relay", _config.Relay, "Store and forward without authoring")

	// Store
	cmd.Flags().Bool("store", _config.Murmur.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.Murmur.DatabaseDir, "Dabatabase directory")
	cmd.Flags().Int("cache-size", _config.Murmur.CacheSize, "Number of items in LRU caches")
}

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	AddBaseFlags(cmd)

	cmd.Flags().String("moniker", _config.Murmur.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.Murmur.BindAddr, "Listen IP:Port for murmur node")
	cmd.Flags().StringP("advertise", "a", _config.Murmur.AdvertiseAddr, "Advertise IP:Port for murmur node")
	cmd.Flags().DurationP("timeout", "t", _config.Murmur.TCPTimeout, "TCP Timeout")
	cmd.Flags().DurationP("join-timeout", "j", _config.Murmur.JoinTimeout, "Timeout of exchanges carrying a proof of work")
	cmd.Flags().Int("max-pool", _config.Murmur.MaxPool, "Connection pool size max")

	// Service
	cmd.Flags().Bool("no-service", _config.Murmur.NoService, "Disable HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.Murmur.ServiceAddr, "Listen IP:Port for HTTP service")

	// Node configuration
	cmd.Flags().Duration("heartbeat", _config.Murmur.HeartbeatTimeout, "Time between gossips")
	cmd.Flags().Duration("slow-heartbeat", _config.Murmur.SlowHeartbeatTimeout, "Time between gossips when idle")
	cmd.Flags().Int("sync-limit", _config.Murmur.SyncLimit, "Max number of nodes per fetch")
	cmd.Flags().Uint64("hot-window", _config.Murmur.HotWindow, "Ranks fetched first and served without a join proof")
	cmd.Flags().Int("sketch-every", _config.Murmur.SketchEvery, "Gossip rounds between sketch exchanges, 0 disables sketches")
	cmd.Flags().Int64("vouch.budget", _config.Murmur.Vouch.Budget, "Byte budget of the opaque buffer")
	cmd.Flags().Uint8("reconcile.initial-difficulty", _config.Murmur.Reconcile.InitialDifficulty, "Proof-of-work difficulty asked from a new peer")
	cmd.Flags().Uint8("reconcile.baseline-difficulty", _config.Murmur.Reconcile.BaselineDifficulty, "Proof-of-work difficulty of a join")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.Murmur.SetDataDir(_config.Murmur.DataDir)

	if _config.Relay {
		_config.Murmur.Author = ""
	}

	logFields := logrus.Fields{
		"murmur.DataDir":          _config.Murmur.DataDir,
		"murmur.BindAddr":         _config.Murmur.BindAddr,
		"murmur.AdvertiseAddr":    _config.Murmur.AdvertiseAddr,
		"murmur.ServiceAddr":      _config.Murmur.ServiceAddr,
		"murmur.NoService":        _config.Murmur.NoService,
		"murmur.MaxPool":          _config.Murmur.MaxPool,
		"murmur.Store":            _config.Murmur.Store,
		"murmur.LogLevel":         _config.Murmur.LogLevel,
		"murmur.Moniker":          _config.Murmur.Moniker,
		"murmur.Author":           _config.Murmur.Author,
		"murmur.HeartbeatTimeout": _config.Murmur.HeartbeatTimeout,
		"murmur.TCPTimeout":       _config.Murmur.TCPTimeout,
		"murmur.JoinTimeout":      _config.Murmur.JoinTimeout,
		"murmur.CacheSize":        _config.Murmur.CacheSize,
		"murmur.SyncLimit":        _config.Murmur.SyncLimit,
		"murmur.HotWindow":        _config.Murmur.HotWindow,
		"Relay":                   _config.Relay,
	}

	if _config.Murmur.Store {
		logFields["murmur.DatabaseDir"] = _config.Murmur.DatabaseDir
	}

	_config.Murmur.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/murmur.toml (.json, .yaml also work)
	viper.SetConfigName("murmur")               // name of config file (without extension)
	viper.AddConfigPath(_config.Murmur.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Murmur.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Murmur.Logger().Debugf("No config file found in: %s", _config.Murmur.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
