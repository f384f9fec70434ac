package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunov/secondhand/internal/entities"
)

func TestIngestCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewIngest("test", reg)
	require.NoError(t, err)

	m.ObserveSubmission(2, time.Second, "")
	m.ObserveSubmission(1, time.Second, entities.KindDecode)
	m.ObservePhoto(time.Millisecond, 1000, "")
	m.ObservePhoto(time.Millisecond, 0, entities.KindDecode)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("decode_failed")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.photoBytes))

	again, err := NewIngest("test", reg)
	require.NoError(t, err, "re-registering must not fail")
	assert.NotNil(t, again)
}

func TestNilIngestIsNoop(t *testing.T) {
	var m *Ingest
	m.ObserveSubmission(1, time.Second, "")
	m.ObservePhoto(time.Second, 1, "")
}
