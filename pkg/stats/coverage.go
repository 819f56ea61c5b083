// Package stats 提供覆盖率、缺口与连续性统计分析
package stats

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/paiban/carecover/pkg/model"
)

// CoverageMetrics 覆盖率指标
type CoverageMetrics struct {
	// 整体覆盖率
	TotalBlocks     int     `json:"total_blocks"`     // 时段总数
	CoveredBlocks   int     `json:"covered_blocks"`   // 完整覆盖的时段数
	PartialBlocks   int     `json:"partial_blocks"`   // 部分覆盖的时段数
	UncoveredBlocks int     `json:"uncovered_blocks"` // 完全未覆盖的时段数
	RequiredMinutes int     `json:"required_minutes"` // 需覆盖分钟数
	CoveredMinutes  int     `json:"covered_minutes"`  // 已覆盖分钟数
	OverallCoverage float64 `json:"overall_coverage"` // 整体覆盖率 (%)

	// 按日期统计
	DailyCoverage map[string]DayCoverage `json:"daily_coverage"`

	// 按服务类别统计
	ServiceCoverage map[model.ServiceType]float64 `json:"service_coverage"`

	// 缺口列表，按优先级降序、开始时间升序
	Gaps []model.GapDescriptor `json:"gaps"`

	// 治疗师工作量分布
	Workload *WorkloadMetrics `json:"workload"`
}

// DayCoverage 每日覆盖情况
type DayCoverage struct {
	Date            string  `json:"date"`
	TotalBlocks     int     `json:"total_blocks"`
	RequiredMinutes int     `json:"required_minutes"`
	CoveredMinutes  int     `json:"covered_minutes"`
	CoverageRate    float64 `json:"coverage_rate"`
	TherapistCount  int     `json:"therapist_count"`
	GapCount        int     `json:"gap_count"`
}

// CoverageAnalyzer 覆盖率分析器
type CoverageAnalyzer struct {
	workload *WorkloadAnalyzer
}

// NewCoverageAnalyzer 创建覆盖率分析器
func NewCoverageAnalyzer() *CoverageAnalyzer {
	return &CoverageAnalyzer{workload: NewWorkloadAnalyzer()}
}

// Analyze 分析一组时段的覆盖率
func (c *CoverageAnalyzer) Analyze(blocks []*model.TimeBlock, assignments []*model.Assignment) *CoverageMetrics {
	metrics := &CoverageMetrics{
		DailyCoverage:   make(map[string]DayCoverage),
		ServiceCoverage: make(map[model.ServiceType]float64),
		Gaps:            []model.GapDescriptor{},
		OverallCoverage: 100,
	}
	if len(blocks) == 0 {
		metrics.Workload = c.workload.Analyze(assignments)
		return metrics
	}

	// 按时段分组分配
	byBlock := make(map[uuid.UUID][]*model.Assignment)
	for _, a := range assignments {
		if a == nil {
			continue
		}
		byBlock[a.TimeBlockID] = append(byBlock[a.TimeBlockID], a)
	}

	dailyStats := make(map[string]*DayCoverage)
	dailyTherapists := make(map[string]map[string]struct{})
	serviceRequired := make(map[model.ServiceType]int)
	serviceCovered := make(map[model.ServiceType]int)

	for _, block := range blocks {
		if block == nil {
			continue
		}
		related := byBlock[block.ID]
		gaps := FindGaps(block, related)
		required := block.DurationMinutes()
		covered := CoveredMinutes(block, gaps)

		metrics.TotalBlocks++
		metrics.RequiredMinutes += required
		metrics.CoveredMinutes += covered
		switch {
		case len(gaps) == 0:
			metrics.CoveredBlocks++
		case gaps[0].Kind == model.GapUncovered:
			metrics.UncoveredBlocks++
		default:
			metrics.PartialBlocks++
		}
		metrics.Gaps = append(metrics.Gaps, gaps...)

		day, ok := dailyStats[block.Date]
		if !ok {
			day = &DayCoverage{Date: block.Date}
			dailyStats[block.Date] = day
			dailyTherapists[block.Date] = make(map[string]struct{})
		}
		day.TotalBlocks++
		day.RequiredMinutes += required
		day.CoveredMinutes += covered
		day.GapCount += len(gaps)
		for _, a := range related {
			if a.IsActive() || a.Status == model.StatusCompleted {
				dailyTherapists[block.Date][a.TherapistID.String()] = struct{}{}
			}
		}

		serviceRequired[block.ServiceType] += required
		serviceCovered[block.ServiceType] += covered
	}

	metrics.OverallCoverage = percent(metrics.CoveredMinutes, metrics.RequiredMinutes)

	for date, day := range dailyStats {
		day.CoverageRate = percent(day.CoveredMinutes, day.RequiredMinutes)
		day.TherapistCount = len(dailyTherapists[date])
		metrics.DailyCoverage[date] = *day
	}

	for st, required := range serviceRequired {
		metrics.ServiceCoverage[st] = percent(serviceCovered[st], required)
	}

	SortGaps(metrics.Gaps)
	metrics.Workload = c.workload.Analyze(assignments)
	return metrics
}

// SortGaps 按优先级降序、日期与开始时间升序排列缺口
func SortGaps(gaps []model.GapDescriptor) {
	sort.SliceStable(gaps, func(i, j int) bool {
		if gaps[i].Priority.Rank() != gaps[j].Priority.Rank() {
			return gaps[i].Priority.Rank() > gaps[j].Priority.Rank()
		}
		if gaps[i].Date != gaps[j].Date {
			return gaps[i].Date < gaps[j].Date
		}
		return gaps[i].Range.Start.Before(gaps[j].Range.Start)
	})
}

func percent(part, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(part) / float64(total) * 100
}

// GenerateCoverageReport 生成覆盖率报告
func (c *CoverageAnalyzer) GenerateCoverageReport(metrics *CoverageMetrics) string {
	var sb strings.Builder
	sb.WriteString("=== 覆盖率分析报告 ===\n\n")

	sb.WriteString("【整体覆盖情况】\n")
	fmt.Fprintf(&sb, "  时段总数: %d\n", metrics.TotalBlocks)
	fmt.Fprintf(&sb, "  完整覆盖: %d  部分覆盖: %d  未覆盖: %d\n",
		metrics.CoveredBlocks, metrics.PartialBlocks, metrics.UncoveredBlocks)
	fmt.Fprintf(&sb, "  覆盖率: %.1f%% (%d/%d 分钟)\n\n",
		metrics.OverallCoverage, metrics.CoveredMinutes, metrics.RequiredMinutes)

	if len(metrics.Gaps) > 0 {
		sb.WriteString("【覆盖缺口】\n")
		for _, g := range metrics.Gaps {
			fmt.Fprintf(&sb, "  - %s %s [%s] %s %d分钟 (%s)\n",
				g.Date, g.Range, g.Priority, g.ServiceType, g.DurationMinutes, g.Kind)
		}
		sb.WriteString("\n")
	}

	if metrics.Workload != nil && len(metrics.Workload.Therapists) > 0 {
		sb.WriteString("【工作量分布】\n")
		fmt.Fprintf(&sb, "  人均工时: %.1f  基尼系数: %.2f\n",
			metrics.Workload.AvgHours, metrics.Workload.Gini)
	}

	return sb.String()
}
