// Package reliability provides retry policies and the retry loop used for
// reconnect-and-retry and for reconnect dial attempts.
//
// Policies decide, per attempt and error, whether to try again and how long
// to wait first:
//   - FixedDelay: constant delay, used for the retry-once-after-reconnect rule
//   - ExponentialBackoff: growing delay with jitter, used between dial attempts
//
// Both accept a Classifier so only selected error classes are retried.
package reliability
