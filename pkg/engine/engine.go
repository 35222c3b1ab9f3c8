// Package engine defines the contract between a cluster worker and the
// request-serving engine it hosts. The cluster core never looks inside
// an engine; it starts it, joins it, stops it, and samples its metrics.
package engine

// Metrics is the point-in-time snapshot an engine publishes at every
// check interval. The JSON field names are the wire names used in PING
// payloads.
type Metrics struct {
	Backlog       int `json:"backlog"`
	Running       int `json:"running"`
	PoolCapacity  int `json:"pool_capacity"`
	MaxThreads    int `json:"max_threads"`
	RequestsCount int `json:"requests_count"`
	BusyThreads   int `json:"busy_threads"`
}

// Idle reports whether the engine currently has no work in flight.
func (m Metrics) Idle() bool {
	return m.BusyThreads == 0 && m.Backlog == 0
}

// Handle joins a running engine instance.
type Handle interface {
	// Join blocks until the engine instance exits and returns its
	// terminal error, if any.
	Join() error
}

// Engine is the request-serving engine hosted by each worker.
type Engine interface {
	// Start launches the engine and returns a join handle. A worker
	// may start its engine more than once across graceful restarts.
	Start() (Handle, error)
	// Stop shuts the engine down without waiting for in-flight work.
	Stop()
	// BeginRestart asks the engine to wind down the current run so the
	// worker can start it again; drain waits for in-flight work first.
	BeginRestart(drain bool)
	// Metrics returns the current snapshot.
	Metrics() Metrics
}
