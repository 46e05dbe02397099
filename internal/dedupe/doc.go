// Package dedupe provides a time-based cache used to drop duplicate
// companion-signer callback deliveries within a configurable window.
package dedupe
