package metrics

import "time"

// BackendMetrics are the metrics exported by the remote backend server.
type BackendMetrics struct {
	registry *Registry

	RequestsTotal   *Counter
	ServerErrors    *Counter
	RateLimited     *Counter
	Unauthorized    *Counter
	SessionsCreated *Counter
	ObjectsStored   *Counter

	RequestDuration *Histogram
	ObjectSize      *Histogram
}

// NewBackendMetrics registers the backend metrics on registry. A nil
// registry gets a fresh one under the "screentrail_backend" namespace.
func NewBackendMetrics(registry *Registry) *BackendMetrics {
	if registry == nil {
		registry = NewRegistry("screentrail_backend")
	}
	started := time.Now()
	registry.GaugeFunc("uptime_seconds", "Seconds since the server started", func() int64 {
		return int64(time.Since(started).Seconds())
	})

	return &BackendMetrics{
		registry:        registry,
		RequestsTotal:   registry.Counter("requests_total", "HTTP requests served", nil),
		ServerErrors:    registry.Counter("server_errors_total", "Requests answered with a 5xx status", nil),
		RateLimited:     registry.Counter("rate_limited_total", "Requests rejected by the rate limiter", nil),
		Unauthorized:    registry.Counter("unauthorized_total", "Requests rejected for a missing or wrong token", nil),
		SessionsCreated: registry.Counter("sessions_created_total", "Sessions created", nil),
		ObjectsStored:   registry.Counter("objects_stored_total", "Screenshot objects stored", nil),
		RequestDuration: registry.Histogram("request_duration_seconds", "Request latency", nil, DurationBuckets),
		ObjectSize:      registry.Histogram("object_size_bytes", "Size of stored objects", nil, SizeBuckets),
	}
}

// Registry returns the underlying registry.
func (m *BackendMetrics) Registry() *Registry { return m.registry }

// ObserveStore registers gauges that read the store's current totals at
// scrape time.
func (m *BackendMetrics) ObserveStore(sessions, objects func() int) {
	m.registry.GaugeFunc("sessions", "Sessions currently stored", func() int64 { return int64(sessions()) })
	m.registry.GaugeFunc("objects", "Objects currently stored", func() int64 { return int64(objects()) })
}
