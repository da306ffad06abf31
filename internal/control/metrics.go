package control

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daemonsup/daemonsup/internal/runner"
)

// metricsCollector is a prometheus.Collector that reads live values straight
// off the Server at scrape time, rather than pushing updates through a set
// of registered gauges on every state change.
type metricsCollector struct {
	s       *Server
	monitor *runner.ResourceMonitor

	leases    *prometheus.Desc
	ensuring  *prometheus.Desc
	serviceUp *prometheus.Desc
	llmManage *prometheus.Desc
	memBytes  *prometheus.Desc
	openFDs   *prometheus.Desc
}

func newMetricsCollector(s *Server) *metricsCollector {
	return &metricsCollector{
		s:         s,
		monitor:   runner.NewResourceMonitor(),
		leases:    prometheus.NewDesc("daemonsup_leases", "Number of active leases held by agents.", nil, nil),
		ensuring:  prometheus.NewDesc("daemonsup_ensuring", "1 if an ensure pipeline run is currently in flight.", nil, nil),
		serviceUp: prometheus.NewDesc("daemonsup_service_up", "1 if the named service is currently running.", []string{"service"}, nil),
		llmManage: prometheus.NewDesc("daemonsup_service_managed", "1 if the daemon owns the lifecycle of the named service.", []string{"service"}, nil),
		memBytes:  prometheus.NewDesc("daemonsup_service_memory_bytes", "Resident memory of the named service's managed process, read from /proc.", []string{"service"}, nil),
		openFDs:   prometheus.NewDesc("daemonsup_service_open_fds", "Open file descriptors of the named service's managed process, read from /proc.", []string{"service"}, nil),
	}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.leases
	ch <- c.ensuring
	ch <- c.serviceUp
	ch <- c.llmManage
	ch <- c.memBytes
	ch <- c.openFDs
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()

	ch <- prometheus.MustNewConstMetric(c.leases, prometheus.GaugeValue, float64(c.s.registry.Count()))
	ch <- prometheus.MustNewConstMetric(c.ensuring, prometheus.GaugeValue, boolToFloat(c.s.sup.Ensuring()))

	ch <- prometheus.MustNewConstMetric(c.serviceUp, prometheus.GaugeValue, boolToFloat(c.s.stt.IsRunning(ctx)), "stt")
	ch <- prometheus.MustNewConstMetric(c.serviceUp, prometheus.GaugeValue, boolToFloat(c.s.tts.IsRunning(ctx)), "tts")
	ch <- prometheus.MustNewConstMetric(c.serviceUp, prometheus.GaugeValue, boolToFloat(c.s.llm.IsRunning(ctx)), "llm")

	ch <- prometheus.MustNewConstMetric(c.llmManage, prometheus.GaugeValue, boolToFloat(c.s.stt.Owned()), "stt")
	ch <- prometheus.MustNewConstMetric(c.llmManage, prometheus.GaugeValue, boolToFloat(c.s.tts.Owned()), "tts")
	ch <- prometheus.MustNewConstMetric(c.llmManage, prometheus.GaugeValue, boolToFloat(c.s.llm.Owned()), "llm")

	// TTS is container-managed with no local pid to sample, so only stt and
	// llm get resource gauges.
	c.collectProcessMetrics(ch, "stt", c.s.stt.Pid())
	c.collectProcessMetrics(ch, "llm", c.s.llm.Pid())
}

func (c *metricsCollector) collectProcessMetrics(ch chan<- prometheus.Metric, service string, pid int) {
	m, err := c.monitor.Sample(pid)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.memBytes, prometheus.GaugeValue, float64(m.MemoryBytes), service)
	ch <- prometheus.MustNewConstMetric(c.openFDs, prometheus.GaugeValue, float64(m.FileDescriptors), service)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// handleMetrics serves Prometheus-formatted samples for the supervisor's
// live state, registered fresh on every call so the exported values always
// reflect the current lease count, ensure-in-flight flag, and per-service
// running/managed status.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newMetricsCollector(s))
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
