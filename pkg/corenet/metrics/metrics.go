// Package metrics defines the Prometheus instrumentation for the stack:
// promauto-registered vectors, one file, grouped by the pipeline stage
// they describe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuffersAllocated counts data-header blocks handed out by the buffer
	// pool (C1).
	BuffersAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corenet_buffers_allocated_total",
		Help: "Total data-header blocks allocated.",
	})

	// BuffersFreed counts data-header blocks returned at zero refcount.
	BuffersFreed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corenet_buffers_freed_total",
		Help: "Total data-header blocks freed.",
	})

	// FifoDepth tracks the current byte occupancy of a FIFO, labeled by the
	// owning queue's name (a device interface name, or "socket" for every
	// socket's queue).
	FifoDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corenet_fifo_depth_bytes",
		Help: "Current byte occupancy of a FIFO queue.",
	}, []string{"queue"})

	// FifoRejects counts enqueue attempts that failed with no buffer space.
	FifoRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corenet_fifo_rejects_total",
		Help: "Enqueue attempts rejected for lack of buffer space.",
	}, []string{"queue"})

	// RouteTableSize tracks the number of routes installed per domain.
	RouteTableSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corenet_route_table_size",
		Help: "Number of routes installed in a routing domain.",
	}, []string{"family"})

	// SocketsByState tracks live socket counts by connection state.
	SocketsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corenet_sockets",
		Help: "Live sockets by connection state.",
	}, []string{"state"})

	// DeviceFramesReceived counts frames handed from a driver into the
	// device pipeline's reader loop.
	DeviceFramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corenet_device_frames_received_total",
		Help: "Frames received from a device driver.",
	}, []string{"device"})

	// ChainResolutionFailures counts protocol-chain Acquire calls that fail
	// to resolve a module, both fresh failures and hits on the cached
	// missing-module fast-fail path.
	ChainResolutionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corenet_chain_resolution_failures_total",
		Help: "Protocol-chain lookups that failed to resolve a module.",
	}, []string{"kind"})
)
