// Package optimistic implements the Optimistic Mutation Controller.
//
// A mutation publishes its speculative result to observers before the remote
// call, then either merges the authoritative response or rolls back to the
// last authoritative value. Mutations on one key run strictly one at a time in
// arrival order; different keys never wait on each other.
package optimistic
