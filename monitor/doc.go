// Package monitor exposes Prometheus metrics and health checks for
// consumers and publishers.
package monitor
