package alumni

import "errors"

var (
	// ErrNoCredential indicates that an operation requires a session credential and none is held.
	ErrNoCredential = errors.New("alumni: no session credential")
	// ErrCredentialExpired indicates that the held credential carries an expiry in the past.
	ErrCredentialExpired = errors.New("alumni: session credential expired")
	// ErrInvalidIdentity indicates that an identity record does not satisfy its invariants.
	ErrInvalidIdentity = errors.New("alumni: invalid identity")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("alumni: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("alumni: subscription closed")
	// ErrSignalDropped indicates a non-blocking backpressure drop.
	ErrSignalDropped = errors.New("alumni: signal dropped due to backpressure")
	// ErrInvalidTopic indicates a malformed realtime topic.
	ErrInvalidTopic = errors.New("alumni: invalid topic")
	// ErrChannelClosed indicates use of a realtime channel after teardown.
	ErrChannelClosed = errors.New("alumni: channel closed")
	// ErrSendFailed indicates that one upstream control frame could not be written.
	ErrSendFailed = errors.New("alumni: channel send failed")
	// ErrReconnectExhausted indicates that the realtime channel gave up reconnecting.
	ErrReconnectExhausted = errors.New("alumni: reconnect attempts exhausted")
	// ErrProtocol indicates a malformed payload received from the backend.
	ErrProtocol = errors.New("alumni: protocol error")
)
