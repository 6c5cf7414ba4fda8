// Package memoryhost provides an in-process sessions.StreamHost. It keeps an
// ordered message log per session so late subscribers can resume from a
// last-event-id cursor. Intended for single-process deployments and tests;
// horizontally scaled deployments should use redishost.
package memoryhost
