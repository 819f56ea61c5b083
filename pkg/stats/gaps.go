package stats

import (
	"sort"

	"github.com/google/uuid"

	"github.com/paiban/carecover/pkg/model"
)

// FindGaps 找出时段中未被覆盖的子区间
// 结果按开始时间排序、互不重叠，并与覆盖部分的并集恰好等于时段本身
func FindGaps(block *model.TimeBlock, assignments []*model.Assignment) []model.GapDescriptor {
	if block == nil || block.Range().IsEmpty() {
		return nil
	}
	blockRange := block.Range()

	covered := make([]model.TimeRange, 0, len(assignments))
	for _, a := range assignments {
		if a == nil || a.Status == model.StatusCancelled {
			continue
		}
		if a.TimeBlockID != uuid.Nil && a.TimeBlockID != block.ID {
			continue
		}
		if a.Date != "" && a.Date != block.Date {
			continue
		}
		// 裁剪到时段范围内
		if r, ok := blockRange.Intersect(a.Range()); ok {
			covered = append(covered, r)
		}
	}

	if len(covered) == 0 {
		return []model.GapDescriptor{model.NewGap(block, blockRange, model.GapUncovered)}
	}

	sort.Slice(covered, func(i, j int) bool {
		return covered[i].Start.Before(covered[j].Start)
	})

	var gaps []model.GapDescriptor
	cursor := blockRange.Start
	for _, r := range covered {
		if r.Start.After(cursor) {
			gaps = append(gaps, model.NewGap(block, model.NewTimeRange(cursor, r.Start), model.GapPartial))
		}
		if r.End.After(cursor) {
			cursor = r.End
		}
	}
	if blockRange.End.After(cursor) {
		gaps = append(gaps, model.NewGap(block, model.NewTimeRange(cursor, blockRange.End), model.GapPartial))
	}

	return gaps
}

// CoveredMinutes 返回时段内被覆盖的分钟数
func CoveredMinutes(block *model.TimeBlock, gaps []model.GapDescriptor) int {
	total := block.DurationMinutes()
	for _, g := range gaps {
		total -= g.DurationMinutes
	}
	return total
}
