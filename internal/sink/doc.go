// Package sink contains fetch.ResultSink implementations. The aggregator calls
// every sink from its own goroutine, so sinks see results one at a time and in
// recording order, followed by exactly one report.
package sink
