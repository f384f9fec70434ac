package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trunov/secondhand/internal/entities"
)

// Ingest exports listing-ingestion telemetry. A nil *Ingest is a no-op.
type Ingest struct {
	submissions        *prometheus.CounterVec
	submissionDuration prometheus.Histogram
	photos             *prometheus.CounterVec
	photoDuration      prometheus.Histogram
	photoBytes         prometheus.Counter
}

func NewIngest(namespace string, reg prometheus.Registerer) (*Ingest, error) {
	if namespace == "" {
		namespace = "secondhand"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Ingest{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "submissions_total",
			Help:      "Listing submissions by outcome.",
		}, []string{"outcome"}),
		submissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "submission_duration_seconds",
			Help:      "Wall time of a listing submission.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		photos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "photos_total",
			Help:      "Normalized photos by outcome.",
		}, []string{"outcome"}),
		photoDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "photo_duration_seconds",
			Help:      "Time to decode, resize and encode one photo.",
			Buckets:   prometheus.DefBuckets,
		}),
		photoBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "photo_bytes_total",
			Help:      "Bytes of normalized JPEG output.",
		}),
	}

	collectors := []prometheus.Collector{m.submissions, m.submissionDuration, m.photos, m.photoDuration, m.photoBytes}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("register ingest metric: %w", err)
		}
	}
	return m, nil
}

func (m *Ingest) ObserveSubmission(photos int, d time.Duration, kind entities.ErrorKind) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome(kind)).Inc()
	m.submissionDuration.Observe(d.Seconds())
}

func (m *Ingest) ObservePhoto(d time.Duration, bytes int64, kind entities.ErrorKind) {
	if m == nil {
		return
	}
	m.photos.WithLabelValues(outcome(kind)).Inc()
	if kind == "" {
		m.photoDuration.Observe(d.Seconds())
		m.photoBytes.Add(float64(bytes))
	}
}

func outcome(kind entities.ErrorKind) string {
	if kind == "" {
		return "ok"
	}
	return string(kind)
}
