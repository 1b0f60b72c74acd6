// Package alumni defines the public contracts of the alumni platform client
// synchronization layer: session identity, process-wide signals, realtime
// channel topics and optimistic update records.
//
// Implementations live under internal/ and depend on this package, never the
// other way around.
package alumni
