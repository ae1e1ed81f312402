// Package session persists the signed-in user's session record in Redis so
// the client can reconnect automatically on the next start.
package session
