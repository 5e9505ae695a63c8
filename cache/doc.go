// Package cache provides the stores backing the debounce gate.
//
// Redis shares debounce markers between every consumer process and is the
// backend to use in production. Memory keeps markers in the local process
// and suits tests and single-worker deployments.
package cache
