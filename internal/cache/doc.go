// Package cache implements the Response Cache: a key to value store with
// time-based freshness shared by every read query.
//
// Concurrent readers of a missing key share one in-flight fetch. Refetch and
// invalidation start a new generation for the key, so an older fetch that
// lands late never overwrites a newer result.
package cache
