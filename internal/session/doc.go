// Package session implements the Session Store: the single source of truth for
// the bearer credential and the authenticated identity.
//
// State is persisted in two named durable slots (auth_token and user_data) and
// every mutation is announced on the signal bus. The identity record carries a
// digest of its token so a half-written pair loads as no session. Storage failures never escape
// the store; an unreadable or corrupted slot reads as "no session".
package session
