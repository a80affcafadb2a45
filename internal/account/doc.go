// Package account owns one user's key material on one device and runs every
// key operation through a single lock.
//
// Responsibilities:
// - Load or create device keys, register the device and establish the DEK.
// - Serialize mutations: session-key wraps, rotation, restore and migration.
// - Expose pairing, backup, profile and message-envelope workflows.
//
// Non-responsibilities:
// - Transport framing; the key server is reached through transport.Server.
package account
