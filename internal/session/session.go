// Package session supplies the logged-in identity that the messaging client
// acts as. Identity is injected into the client at construction through a
// Source; the client only ever reads it. The Redis-backed Store reads the
// dashboard sessions that the backend's login flow writes into the shared
// Redis; Create writes the same hash layout.
package session
