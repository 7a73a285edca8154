// Package retry provides the timing primitives shared by the portal core:
// bounded retries with exponential backoff and keyed trailing-edge debouncing.
package retry
