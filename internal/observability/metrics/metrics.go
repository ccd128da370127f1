// Package metrics exposes relay counters in the Prometheus text format
// without pulling in a client library.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type httpKey struct {
	handler string
	method  string
	code    string
}

type labelKey struct {
	name  string
	label string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

type collector struct {
	mu       sync.Mutex
	requests map[httpKey]uint64
	latency  map[string]*histogram
	counters map[labelKey]uint64
}

var defaultCollector = &collector{
	requests: make(map[httpKey]uint64),
	latency:  make(map[string]*histogram),
	counters: make(map[labelKey]uint64),
}

// ObserveHTTPRequest 记录一次 HTTP 请求的状态码与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[httpKey{handler: handler, method: method, code: strconv.Itoa(status)}]++

	key := handler + "|" + method
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// CountOrderTransition 记录一次订单状态迁移。
func CountOrderTransition(event string) {
	count("relay_order_transitions_total", event)
}

// CountPaymentAccepted 记录一次支付准入成功。
func CountPaymentAccepted(token string) {
	count("relay_payments_accepted_total", token)
}

// CountPaymentRejected 记录一次支付准入拒绝。
func CountPaymentRejected(code string) {
	count("relay_payments_rejected_total", code)
}

// CountCompensation 记录一次补偿执行结果。
func CountCompensation(outcome string) {
	count("relay_compensation_jobs_total", outcome)
}

func count(name, label string) {
	c := defaultCollector
	c.mu.Lock()
	c.counters[labelKey{name: name, label: label}]++
	c.mu.Unlock()
}

// Handler 以 Prometheus 文本格式输出指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP relay_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE relay_http_requests_total counter\n")
	reqKeys := make([]httpKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].handler != reqKeys[j].handler {
			return reqKeys[i].handler < reqKeys[j].handler
		}
		if reqKeys[i].method != reqKeys[j].method {
			return reqKeys[i].method < reqKeys[j].method
		}
		return reqKeys[i].code < reqKeys[j].code
	})
	for _, key := range reqKeys {
		builder.WriteString(fmt.Sprintf("relay_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key]))
	}

	builder.WriteString("# HELP relay_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE relay_http_request_duration_seconds histogram\n")
	latKeys := make([]string, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sort.Strings(latKeys)
	for _, key := range latKeys {
		hist := c.latency[key]
		parts := strings.SplitN(key, "|", 2)
		handler, method := parts[0], ""
		if len(parts) == 2 {
			method = parts[1]
		}
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("relay_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				escape(handler), escape(method), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("relay_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			escape(handler), escape(method), hist.count))
		builder.WriteString(fmt.Sprintf("relay_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			escape(handler), escape(method), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("relay_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			escape(handler), escape(method), hist.count))
	}

	counterKeys := make([]labelKey, 0, len(c.counters))
	for key := range c.counters {
		counterKeys = append(counterKeys, key)
	}
	sort.Slice(counterKeys, func(i, j int) bool {
		if counterKeys[i].name != counterKeys[j].name {
			return counterKeys[i].name < counterKeys[j].name
		}
		return counterKeys[i].label < counterKeys[j].label
	})
	lastName := ""
	for _, key := range counterKeys {
		if key.name != lastName {
			builder.WriteString("# TYPE " + key.name + " counter\n")
			lastName = key.name
		}
		builder.WriteString(fmt.Sprintf("%s{label=%q} %d\n", key.name, escape(key.label), c.counters[key]))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
