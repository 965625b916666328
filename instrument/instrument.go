// Package instrument holds the prometheus metrics of the relay.
package instrument

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratumproxy_accepted_connections_total",
			Help: "Number of accepted downstream connections",
		},
	)
	connectionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratumproxy_connection_errors_total",
			Help: "Number of relayed connections ended by an error, by error class",
		},
		[]string{"class"},
	)
	pairsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratumproxy_active_pairs",
			Help: "Number of downstream/upstream pairs being relayed",
		},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratumproxy_handshake_failures_total",
			Help: "Number of failed noise handshakes",
		},
		[]string{"leg"},
	)
	framesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratumproxy_forwarded_frames_total",
			Help: "Number of frames written towards a leg",
		},
		[]string{"direction"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratumproxy_dropped_frames_total",
			Help: "Number of frames not forwarded, by message kind",
		},
		[]string{"kind"},
	)
	malformedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratumproxy_malformed_frames_total",
			Help: "Number of skipped malformed textual frames",
		},
		[]string{"leg"},
	)
)

// Registry holds all relay metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		connectionsAccepted,
		connectionErrors,
		pairsActive,
		handshakeFailures,
		framesForwarded,
		framesDropped,
		malformedFrames,
	)
}

// ConnectionAccepted counts an accepted downstream connection.
func ConnectionAccepted() {
	connectionsAccepted.Inc()
}

// ConnectionError counts a connection ended by an error of class, one of
// "protocol", "authentication", "transport".
func ConnectionError(class string) {
	connectionErrors.WithLabelValues(class).Inc()
}

// PairStarted and PairDone track active pairs.
func PairStarted() {
	pairsActive.Inc()
}

func PairDone() {
	pairsActive.Dec()
}

func HandshakeFailed(leg string) {
	handshakeFailures.WithLabelValues(leg).Inc()
}

// FramesForwarded counts n frames written towards direction, "upstream" or
// "downstream".
func FramesForwarded(direction string, n int) {
	framesForwarded.WithLabelValues(direction).Add(float64(n))
}

func FrameDropped(kind string) {
	framesDropped.WithLabelValues(kind).Inc()
}

func MalformedFrame(leg string) {
	malformedFrames.WithLabelValues(leg).Inc()
}

// Handler returns the http handler exposing the metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Listen starts listening on addr for metrics requests. The returned server
// is serving in the background, errors other than shutdown are passed to
// errfn.
func Listen(addr string, errfn func(error)) (*http.Server, error) {
	srv, l, err := listen(addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			errfn(err)
		}
	}()
	return srv, nil
}

func listen(addr string) (*http.Server, net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{Handler: mux}, l, nil
}
