package stats

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gdnsd/gdnsd-core/internal/monitor"
)

func TestHandleStatsReportsMonitorCounts(t *testing.T) {
	mt := monitor.NewTable()
	up := mt.Register("up")
	down := mt.Register("down")
	require.NoError(t, mt.Update(up, monitor.NewSttl(false, 30)))
	require.NoError(t, mt.Update(down, monitor.NewSttl(true, 0)))

	counters := &Counters{}
	counters.Served.Store(42)

	srv := NewServer(counters, mt, nil)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"monitors_up":1`)
	require.Contains(t, rec.Body.String(), `"monitors_down":1`)
	require.Contains(t, rec.Body.String(), `"queries_served":42`)
}
