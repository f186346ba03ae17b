// Package stats exposes Prometheus metrics describing running Collectors
package stats
