// Package progress carries export lifecycle events from the pipeline to
// pluggable sinks. The Hub batches events on a background goroutine so the
// request path never waits on logging, metrics or the run history store.
package progress
