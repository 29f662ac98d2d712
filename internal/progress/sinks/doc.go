// Package sinks implements progress consumers: structured logging, Prometheus
// job metrics and the export run history store.
package sinks
