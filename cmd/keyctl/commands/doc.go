// Package commands implements the keyctl CLI: account keys, device pairing,
// revocation, backups and legacy migration against a JSON-RPC key server.
package commands
