// Package ratelimit implements a fixed-window counter keyed by an arbitrary
// string such as "otp:<email>" or "ip:<addr>".
//
// Every store applies one attempt in a single atomic round trip and hands back
// the window as it was before the attempt. The decision is derived from that
// before-image by one function, so all stores agree:
//
//   - no window, or ResetAt at or before now: start a new window (count 1)
//   - count already at the limit: deny, leave the window untouched
//   - otherwise: increment
//
// Callers namespace keys by action. Whether a store error should admit or
// reject the attempt is the caller's decision.
package ratelimit
