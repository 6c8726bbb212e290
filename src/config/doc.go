// Package config defines the configuration for a murmur node.
//
// Regardless of how murmur is started, directly from Go code or as a standalone
// process from the command line, it uses the Config object defined in this
// package to store and forward configuration options. On top of these
// configuration options, murmur relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional configuration
// files:
//
//  priv_key // a plain text file containing the raw device key (cf. murmur keygen).
//  peers.json // a JSON file containing the list of peers.
//  conversations.json // a JSON file listing the conversations to run and their bootstrap secrets.
//  murmur.toml // (optional) the configuration options, also read as .json or .yaml.
package config
