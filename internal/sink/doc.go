// Package sink forwards bus events to the outside world: the execution
// journal, the debug log, a Redis stream and Telegram alerts.
//
// Journal subscribes on the bus dispatcher so no record is lost, and writes
// from its own goroutine. The network sinks read a buffered bus stream on their own
// goroutine and drop events when they fall behind.
package sink
