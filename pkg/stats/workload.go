package stats

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/paiban/carecover/pkg/model"
)

// WorkloadMetrics 治疗师工作量分布
type WorkloadMetrics struct {
	Gini       float64         `json:"gini"` // 工时基尼系数 (0=完全均衡, 1=完全集中)
	StdDev     float64         `json:"std_dev"`
	AvgHours   float64         `json:"avg_hours"`
	MaxHours   float64         `json:"max_hours"`
	MinHours   float64         `json:"min_hours"`
	Therapists []TherapistLoad `json:"therapists"`
}

// TherapistLoad 单个治疗师的工作量
type TherapistLoad struct {
	TherapistID   uuid.UUID `json:"therapist_id"`
	TotalHours    float64   `json:"total_hours"`
	Sessions      int       `json:"sessions"`
	PatientCount  int       `json:"patient_count"`
	WeekendHours  float64   `json:"weekend_hours"`
	DeviationRate float64   `json:"deviation_rate"` // 与平均值的偏差百分比
}

// WorkloadAnalyzer 工作量分析器
type WorkloadAnalyzer struct{}

// NewWorkloadAnalyzer 创建工作量分析器
func NewWorkloadAnalyzer() *WorkloadAnalyzer {
	return &WorkloadAnalyzer{}
}

// Analyze 统计有效及已完成分配的工时分布
func (w *WorkloadAnalyzer) Analyze(assignments []*model.Assignment) *WorkloadMetrics {
	loads := make(map[uuid.UUID]*TherapistLoad)
	patients := make(map[uuid.UUID]map[uuid.UUID]struct{})

	for _, a := range assignments {
		if a == nil || a.Status.IsVoid() {
			continue
		}
		load, ok := loads[a.TherapistID]
		if !ok {
			load = &TherapistLoad{TherapistID: a.TherapistID}
			loads[a.TherapistID] = load
			patients[a.TherapistID] = make(map[uuid.UUID]struct{})
		}
		hours := a.WorkingHours()
		load.TotalHours += hours
		load.Sessions++
		patients[a.TherapistID][a.PatientID] = struct{}{}
		if isWeekend(a.Date) {
			load.WeekendHours += hours
		}
	}

	metrics := &WorkloadMetrics{Therapists: make([]TherapistLoad, 0, len(loads))}
	if len(loads) == 0 {
		return metrics
	}

	hours := make([]float64, 0, len(loads))
	for id, load := range loads {
		load.PatientCount = len(patients[id])
		hours = append(hours, load.TotalHours)
	}

	metrics.AvgHours = mean(hours)
	metrics.StdDev = math.Sqrt(variance(hours, metrics.AvgHours))
	metrics.MaxHours, metrics.MinHours = valueRange(hours)
	metrics.Gini = gini(hours)

	for _, load := range loads {
		if metrics.AvgHours > 0 {
			load.DeviationRate = (load.TotalHours - metrics.AvgHours) / metrics.AvgHours * 100
		}
		metrics.Therapists = append(metrics.Therapists, *load)
	}
	sort.Slice(metrics.Therapists, func(i, j int) bool {
		if metrics.Therapists[i].TotalHours != metrics.Therapists[j].TotalHours {
			return metrics.Therapists[i].TotalHours > metrics.Therapists[j].TotalHours
		}
		return metrics.Therapists[i].TherapistID.String() < metrics.Therapists[j].TherapistID.String()
	})

	return metrics
}

func isWeekend(date string) bool {
	d, err := model.ParseDate(date)
	if err != nil {
		return false
	}
	return d.Weekday() == 0 || d.Weekday() == 6
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sumSquares := 0.0
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return sumSquares / float64(len(values))
}

func valueRange(values []float64) (max, min float64) {
	if len(values) == 0 {
		return 0, 0
	}
	max, min = values[0], values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
	}
	return
}

// gini 计算基尼系数
func gini(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	if sum == 0 {
		return 0
	}

	g := 0.0
	for i, v := range sorted {
		g += (2*float64(i+1) - float64(n) - 1) * v
	}
	g = g / (float64(n) * sum)
	return math.Max(0, math.Min(1, g))
}
