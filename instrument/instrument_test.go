package instrument

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(framesDropped.WithLabelValues("UpdateChannel"))
	FrameDropped("UpdateChannel")
	require.Equal(t, before+1, testutil.ToFloat64(framesDropped.WithLabelValues("UpdateChannel")))

	PairStarted()
	require.Equal(t, 1.0, testutil.ToFloat64(pairsActive))
	PairDone()
	require.Equal(t, 0.0, testutil.ToFloat64(pairsActive))

	ConnectionAccepted()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "stratumproxy_accepted_connections_total")
}

func TestListen(t *testing.T) {
	srv, l, err := listen("127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	defer srv.Close()

	resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(buf), "stratumproxy_active_pairs")
}
