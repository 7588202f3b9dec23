// Package session owns the authenticated identity of the running client.
//
// Store is the only writer of chat.Identity. It moves through
// Uninitialized -> Authenticating -> {Authenticated, Anonymous} and calls its
// Persistence at three points: Init (load), Login (save) and Logout (clear).
//
// Persistence backends: MemoryPersistence for tests and the in-process client,
// SQLitePersistence for an on-device profile file, RedisPersistence for a
// profile shared between client instances.
package session
