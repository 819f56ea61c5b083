// Package metrics 提供Prometheus文本格式的监控指标
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 指标名称
const (
	HTTPRequestsTotal   = "carecover_http_requests_total"
	HTTPRequestDuration = "carecover_http_request_duration_seconds"
	ConflictChecksTotal = "carecover_conflict_checks_total"
	AutoAssignTotal     = "carecover_auto_assign_total"
	GapsDetectedTotal   = "carecover_gaps_detected_total"
	ContinuityScore     = "carecover_continuity_score"
	CommitDuration      = "carecover_commit_duration_seconds"
	CommitRetriesTotal  = "carecover_commit_retries_total"
	NotifyFailuresTotal = "carecover_notify_failures_total"
)

// Registry 指标注册表
type Registry struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	mu         sync.RWMutex
}

// Counter 计数器
type Counter struct {
	Name   string
	Help   string
	Labels []string
	values map[string]float64
	mu     sync.RWMutex
}

// Gauge 仪表盘
type Gauge struct {
	Name   string
	Help   string
	Labels []string
	values map[string]float64
	mu     sync.RWMutex
}

// Histogram 直方图
type Histogram struct {
	Name    string
	Help    string
	Labels  []string
	Buckets []float64
	counts  map[string][]int
	sums    map[string]float64
	mu      sync.RWMutex
}

var (
	registry *Registry
	once     sync.Once
)

// NewRegistry 创建注册表并登记默认指标
func NewRegistry() *Registry {
	r := &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
	r.registerDefaults()
	return r
}

// GetRegistry 获取全局注册表
func GetRegistry() *Registry {
	once.Do(func() {
		registry = NewRegistry()
	})
	return registry
}

func (r *Registry) registerDefaults() {
	r.NewCounter(HTTPRequestsTotal, "HTTP请求总数", []string{"method", "path", "status"})
	r.NewHistogram(HTTPRequestDuration, "HTTP请求延迟",
		[]string{"method", "path"},
		[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0})

	r.NewCounter(ConflictChecksTotal, "冲突检测次数", []string{"result"})
	r.NewCounter(AutoAssignTotal, "自动分配次数", []string{"outcome"})
	r.NewCounter(GapsDetectedTotal, "检测到的覆盖缺口数", []string{"kind"})
	// 按等级聚合，不按患者建序列
	r.NewHistogram(ContinuityScore, "护理连续性评分分布",
		[]string{"grade"},
		[]float64{20, 40, 60, 70, 80, 90, 100})
	r.NewHistogram(CommitDuration, "分配提交耗时（含加锁）",
		[]string{"result"},
		[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5})
	r.NewCounter(CommitRetriesTotal, "提交竞争失败后的重试次数", nil)
	r.NewCounter(NotifyFailuresTotal, "通知发送失败次数", nil)
}

// NewCounter 创建计数器
func (r *Registry) NewCounter(name, help string, labels []string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter := &Counter{
		Name:   name,
		Help:   help,
		Labels: labels,
		values: make(map[string]float64),
	}
	r.counters[name] = counter
	return counter
}

// NewGauge 创建仪表盘
func (r *Registry) NewGauge(name, help string, labels []string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	gauge := &Gauge{
		Name:   name,
		Help:   help,
		Labels: labels,
		values: make(map[string]float64),
	}
	r.gauges[name] = gauge
	return gauge
}

// NewHistogram 创建直方图
func (r *Registry) NewHistogram(name, help string, labels []string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	histogram := &Histogram{
		Name:    name,
		Help:    help,
		Labels:  labels,
		Buckets: buckets,
		counts:  make(map[string][]int),
		sums:    make(map[string]float64),
	}
	r.histograms[name] = histogram
	return histogram
}

// GetCounter 获取计数器
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// GetGauge 获取仪表盘
func (r *Registry) GetGauge(name string) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// GetHistogram 获取直方图
func (r *Registry) GetHistogram(name string) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histograms[name]
}

// Inc 增加计数
func (c *Counter) Inc(labelValues ...string) {
	c.Add(1, labelValues...)
}

// Add 增加指定值
func (c *Counter) Add(value float64, labelValues ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[labelKey(labelValues)] += value
}

// Value 读取当前值
func (c *Counter) Value(labelValues ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[labelKey(labelValues)]
}

// Set 设置值
func (g *Gauge) Set(value float64, labelValues ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[labelKey(labelValues)] = value
}

// Value 读取当前值
func (g *Gauge) Value(labelValues ...string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.values[labelKey(labelValues)]
}

// Observe 记录观测值
func (h *Histogram) Observe(value float64, labelValues ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := labelKey(labelValues)
	if _, exists := h.counts[key]; !exists {
		h.counts[key] = make([]int, len(h.Buckets)+1)
	}

	// 每个观测只计入第一个满足的桶，输出时再累加
	idx := len(h.Buckets)
	for i, bucket := range h.Buckets {
		if value <= bucket {
			idx = i
			break
		}
	}
	h.counts[key][idx]++
	h.sums[key] += value
}

// Count 观测总次数
func (h *Histogram) Count(labelValues ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.counts[labelKey(labelValues)] {
		n += c
	}
	return n
}

// labelKey 生成标签键，标签值中的逗号替换为下划线
func labelKey(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	vals := make([]string, len(labels))
	for i, l := range labels {
		vals[i] = strings.ReplaceAll(l, ",", "_")
	}
	return strings.Join(vals, ",")
}

// Handler 返回全局注册表的HTTP处理器
func Handler() http.Handler {
	return GetRegistry().Handler()
}

// Handler 返回Prometheus文本格式的HTTP处理器
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.Expose(w)
	})
}

// Expose 按名称顺序输出全部指标
func (r *Registry) Expose(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedNames(r.counters) {
		c := r.counters[name]
		fmt.Fprintf(w, "# HELP %s %s\n", c.Name, c.Help)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.Name)
		c.mu.RLock()
		writeSamples(w, c.Name, c.Labels, c.values)
		c.mu.RUnlock()
	}

	for _, name := range sortedNames(r.gauges) {
		g := r.gauges[name]
		fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
		g.mu.RLock()
		writeSamples(w, g.Name, g.Labels, g.values)
		g.mu.RUnlock()
	}

	for _, name := range sortedNames(r.histograms) {
		h := r.histograms[name]
		fmt.Fprintf(w, "# HELP %s %s\n", h.Name, h.Help)
		fmt.Fprintf(w, "# TYPE %s histogram\n", h.Name)
		h.mu.RLock()
		for _, key := range sortedNames(h.counts) {
			counts := h.counts[key]
			labels := formatLabels(h.Labels, key)
			prefix := ""
			if labels != "" {
				prefix = labels + ","
			}
			cumulative := 0
			for i, bucket := range h.Buckets {
				cumulative += counts[i]
				fmt.Fprintf(w, "%s_bucket{%sle=\"%s\"} %d\n", h.Name, prefix, formatFloat(bucket), cumulative)
			}
			cumulative += counts[len(h.Buckets)]
			fmt.Fprintf(w, "%s_bucket{%sle=\"+Inf\"} %d\n", h.Name, prefix, cumulative)
			fmt.Fprintf(w, "%s_sum%s %s\n", h.Name, braces(labels), formatFloat(h.sums[key]))
			fmt.Fprintf(w, "%s_count%s %d\n", h.Name, braces(labels), cumulative)
		}
		h.mu.RUnlock()
	}
}

func writeSamples(w io.Writer, name string, labelNames []string, values map[string]float64) {
	for _, key := range sortedNames(values) {
		fmt.Fprintf(w, "%s%s %s\n", name, braces(formatLabels(labelNames, key)), formatFloat(values[key]))
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// formatLabels 格式化标签
func formatLabels(names []string, key string) string {
	if len(names) == 0 {
		return ""
	}
	vals := strings.Split(key, ",")
	parts := make([]string, len(names))
	for i, name := range names {
		val := ""
		if i < len(vals) {
			val = vals[i]
		}
		parts[i] = fmt.Sprintf("%s=%q", name, val)
	}
	return strings.Join(parts, ",")
}

// ==================== 业务指标 ====================

// RecordRequestMetrics 记录请求指标
func RecordRequestMetrics(method, path string, status int, duration time.Duration) {
	r := GetRegistry()
	r.GetCounter(HTTPRequestsTotal).Inc(method, path, strconv.Itoa(status))
	r.GetHistogram(HTTPRequestDuration).Observe(duration.Seconds(), method, path)
}

// RecordConflictCheck 记录冲突检测结果
func RecordConflictCheck(valid bool) {
	result := "valid"
	if !valid {
		result = "conflict"
	}
	GetRegistry().GetCounter(ConflictChecksTotal).Inc(result)
}

// RecordAutoAssign 记录自动分配结果（assigned 或无候选原因）
func RecordAutoAssign(outcome string) {
	GetRegistry().GetCounter(AutoAssignTotal).Inc(outcome)
}

// RecordGaps 记录检测到的缺口
func RecordGaps(kind string, n int) {
	if n <= 0 {
		return
	}
	GetRegistry().GetCounter(GapsDetectedTotal).Add(float64(n), kind)
}

// ObserveContinuityScore 记录一次连续性评分
func ObserveContinuityScore(grade string, score float64) {
	GetRegistry().GetHistogram(ContinuityScore).Observe(score, grade)
}

// ObserveCommit 记录提交耗时
func ObserveCommit(success bool, duration time.Duration) {
	result := "committed"
	if !success {
		result = "rejected"
	}
	GetRegistry().GetHistogram(CommitDuration).Observe(duration.Seconds(), result)
}

// RecordCommitRetry 记录提交重试
func RecordCommitRetry() {
	GetRegistry().GetCounter(CommitRetriesTotal).Inc()
}

// RecordNotifyFailure 记录通知失败
func RecordNotifyFailure() {
	GetRegistry().GetCounter(NotifyFailuresTotal).Inc()
}
