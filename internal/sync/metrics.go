package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels of qt_remote_changes_total.
const (
	changeApplied   = "applied"
	changeEcho      = "echo"
	changeUnchanged = "unchanged"
	changeStale     = "stale"
)

type metrics struct {
	localSaves    prometheus.Counter
	pushes        *prometheus.CounterVec
	remoteChanges *prometheus.CounterVec
}

// newMetrics registers the controller's collectors with reg. A nil reg
// keeps them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		localSaves: f.NewCounter(prometheus.CounterOpts{
			Name: "qt_local_saves_total",
			Help: "Successful writes of the document to the local store",
		}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qt_remote_pushes_total",
			Help: "Pushes to the remote mirror by result",
		}, []string{"result"}),
		remoteChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qt_remote_changes_total",
			Help: "Remote change notifications by outcome",
		}, []string{"outcome"}),
	}
}
