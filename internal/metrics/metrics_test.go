package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/liveview/pkg/database"
)

func TestObserver(t *testing.T) {
	o := New(nil)

	o.StatementExecuted(database.KindInsert, "employee", time.Millisecond, nil)
	o.StatementExecuted(database.KindInsert, "employee", time.Millisecond, errors.New("dup"))
	o.TransactionCommitted(3, time.Millisecond, nil)
	o.TransactionCommitted(2, time.Millisecond, errors.New("boom"))
	o.ViewSetDelivered("vs1", 4, 1)
	o.ViewSetDelivered("vs1", 2, 0)
	o.ViewSetQueueDepth("vs1", 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(o.Statements.WithLabelValues("insert", "employee")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.StatementErrors.WithLabelValues("insert", "employee")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Commits.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Commits.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(o.CommittedEvents))
	assert.Equal(t, 6.0, testutil.ToFloat64(o.DeliveredEvents.WithLabelValues("vs1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.Deliveries.WithLabelValues("vs1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Requeries.WithLabelValues("vs1")))
	assert.Equal(t, 5.0, testutil.ToFloat64(o.QueueDepth.WithLabelValues("vs1")))

	o.Forget("vs1")
	assert.Equal(t, 0, testutil.CollectAndCount(o.QueueDepth))
}

func TestHandler(t *testing.T) {
	o := New(nil)
	o.ViewSetQueueDepth("vs1", 1)

	rec := httptest.NewRecorder()
	o.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `liveview_viewset_queue_depth{viewset="vs1"} 1`)
}
