// Package progress carries capture phase transitions to live observers and to
// durable sinks. The Bus keeps one topic per capture with replay of the latest
// phase for late subscribers; every published event is also handed to the Hub,
// which batches events on a background goroutine and fans them out to sinks
// such as the event log, Prometheus, or structured logging.
package progress
