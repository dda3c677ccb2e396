// Package metrics counts processing events and reports captured errors
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-errors/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Sink receives counters and unexpected errors. Tags have the form
// "key:value".
type Sink interface {
	Increment(name string, tags ...string)
	CaptureException(err error, extra map[string]string)
}

type counter struct {
	vec    *prometheus.CounterVec
	labels []string
}

// Prometheus registers one counter vector per metric name on first use.
type Prometheus struct {
	registry   *prometheus.Registry
	mu         sync.Mutex
	counters   map[string]*counter
	exceptions *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	exc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "processor_exceptions_total",
		Help: "Errors captured while processing crashes",
	}, []string{"rule"})
	reg.MustRegister(exc)
	return &Prometheus{
		registry:   reg,
		counters:   make(map[string]*counter),
		exceptions: exc,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) Increment(name string, tags ...string) {
	labels := ParseTags(tags)
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	c, err := p.counter(name, names)
	if err != nil {
		log.WithFields(log.Fields{
			"metric": name,
			"error":  err,
		}).Warning("Can't register counter")
		return
	}
	c.vec.With(labels).Inc()
}

func (p *Prometheus) counter(name string, labels []string) (*counter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.counters[name]; ok {
		if strings.Join(c.labels, ",") != strings.Join(labels, ",") {
			return nil, errors.Errorf("label mismatch: have %v, got %v", c.labels, labels)
		}
		return c, nil
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: MetricName(name),
		Help: name,
	}, labels)
	if err := p.registry.Register(vec); err != nil {
		return nil, err
	}
	c := &counter{vec: vec, labels: labels}
	p.counters[name] = c
	return c, nil
}

func (p *Prometheus) CaptureException(err error, extra map[string]string) {
	if err == nil {
		return
	}
	p.exceptions.WithLabelValues(extra["rule"]).Inc()
	logException(err, extra)
}

func logException(err error, extra map[string]string) {
	fields := log.Fields{}
	for k, v := range extra {
		fields[k] = v
	}
	entry := log.WithFields(fields).WithError(err)
	var stacked *errors.Error
	if errors.As(err, &stacked) {
		entry = entry.WithField("stack", stacked.ErrorStack())
	}
	entry.Error("Captured exception")
}

// MetricName turns a dotted name into a prometheus counter name.
func MetricName(name string) string {
	return sanitize(name) + "_total"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}

// ParseTags splits "key:value" tags. A tag without a colon gets an empty
// value.
func ParseTags(tags []string) prometheus.Labels {
	labels := prometheus.Labels{}
	for _, t := range tags {
		k, v, _ := strings.Cut(t, ":")
		labels[sanitize(k)] = v
	}
	return labels
}
