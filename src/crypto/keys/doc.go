// Package keys implements the public key cryptography used for administrative
// graph nodes.
//
// Every device owns a secp256k1 key-pair. The compressed public key, hex
// encoded, is the device identifier that appears in graph nodes and delegation
// certificates. Administrative and key-distribution nodes are signed with the
// device key so that membership changes are non-repudiable, while ordinary
// content is authenticated with symmetric keys (see package crypto).
package keys
