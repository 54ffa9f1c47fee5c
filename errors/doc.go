// Package errors provides standardized error handling for ingest components.
//
// # Overview
//
// The package implements a three-class error classification system:
// Transient (temporary, retryable), Invalid (bad input, non-retryable),
// and Fatal (unrecoverable, stop processing).
//
// Classification enables components to make retry and drop decisions
// without string matching at call sites. A malformed payload is Invalid
// and gets dropped with a log line; a broker outage is Transient and gets
// retried; a broken configuration is Fatal and stops the process.
//
// # Quick Start
//
// Return standard error variables for known conditions:
//
//	if payloadTs == 0 {
//	    return errors.ErrTimestampMissing
//	}
//
// Wrap third-party errors with component context:
//
//	if err := pool.Ping(ctx); err != nil {
//	    return errors.Wrap(err, "Store", "Connect", "ping database")
//	}
//
// Check classification for retry logic:
//
//	if errors.IsTransient(err) {
//	    // back off and retry
//	}
//
// The classification system supports errors.Is, errors.As, and error
// wrapping chains.
package errors
