package stats

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/carecover/pkg/model"
)

const testDate = "2024-01-15"

func clock(hhmm string) time.Time {
	t, err := model.OnDate(testDate, hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func newBlock(start, end string) *model.TimeBlock {
	return &model.TimeBlock{
		BaseModel:   model.NewBaseModel(),
		PatientID:   uuid.New(),
		Date:        testDate,
		StartTime:   clock(start),
		EndTime:     clock(end),
		ServiceType: model.ServiceDirect,
		Priority:    model.PriorityHigh,
	}
}

func cover(block *model.TimeBlock, start, end string) *model.Assignment {
	return model.NewAssignment(block, uuid.New(), model.NewTimeRange(clock(start), clock(end)), model.MethodManual)
}

func TestFindGaps_PartialTail(t *testing.T) {
	block := newBlock("09:00", "12:00")

	gaps := FindGaps(block, []*model.Assignment{cover(block, "09:00", "10:30")})

	require.Len(t, gaps, 1)
	assert.Equal(t, clock("10:30"), gaps[0].Range.Start)
	assert.Equal(t, clock("12:00"), gaps[0].Range.End)
	assert.Equal(t, 90, gaps[0].DurationMinutes)
	assert.Equal(t, model.GapPartial, gaps[0].Kind)
	assert.Equal(t, block.ID, gaps[0].TimeBlockID)
	assert.Equal(t, block.PatientID, gaps[0].PatientID)
	assert.Equal(t, model.PriorityHigh, gaps[0].Priority)
}

func TestFindGaps_Cases(t *testing.T) {
	tests := []struct {
		name     string
		covers   [][2]string
		expected []string
	}{
		{"无分配", nil, []string{"09:00-12:00"}},
		{"完整覆盖", [][2]string{{"09:00", "12:00"}}, nil},
		{"首尾相接的两段", [][2]string{{"10:00", "11:00"}, {"09:00", "10:00"}, {"11:00", "12:00"}}, nil},
		{"中间缺口", [][2]string{{"09:00", "10:00"}, {"11:00", "12:00"}}, []string{"10:00-11:00"}},
		{"头部缺口", [][2]string{{"10:00", "12:00"}}, []string{"09:00-10:00"}},
		{"重叠分配", [][2]string{{"09:00", "10:30"}, {"10:00", "10:45"}, {"09:30", "10:15"}}, []string{"10:45-12:00"}},
		{"超出时段的分配被裁剪", [][2]string{{"08:00", "09:30"}, {"11:30", "13:00"}}, []string{"09:30-11:30"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := newBlock("09:00", "12:00")
			var assignments []*model.Assignment
			for _, c := range tt.covers {
				assignments = append(assignments, cover(block, c[0], c[1]))
			}

			gaps := FindGaps(block, assignments)

			var got []string
			for _, g := range gaps {
				got = append(got, g.Range.String())
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFindGaps_Filtering(t *testing.T) {
	block := newBlock("09:00", "12:00")

	cancelled := cover(block, "09:00", "12:00")
	cancelled.Status = model.StatusCancelled

	other := newBlock("09:00", "12:00")
	foreign := cover(other, "09:00", "12:00")

	gaps := FindGaps(block, []*model.Assignment{cancelled, foreign})
	require.Len(t, gaps, 1)
	assert.Equal(t, model.GapUncovered, gaps[0].Kind)
	assert.Equal(t, block.Range(), gaps[0].Range)

	// 已完成的分配仍计入覆盖
	done := cover(block, "09:00", "12:00")
	done.Status = model.StatusCompleted
	assert.Empty(t, FindGaps(block, []*model.Assignment{done}))
}

func TestFindGaps_Properties(t *testing.T) {
	block := newBlock("08:00", "18:00")
	assignments := []*model.Assignment{
		cover(block, "08:30", "09:15"),
		cover(block, "09:00", "10:00"),
		cover(block, "11:00", "11:30"),
		cover(block, "13:00", "17:00"),
		cover(block, "16:00", "17:30"),
	}

	gaps := FindGaps(block, assignments)

	// 有序、互不重叠
	for i := 1; i < len(gaps); i++ {
		assert.False(t, gaps[i].Range.Start.Before(gaps[i-1].Range.End))
	}

	// 缺口与覆盖的并集等于时段
	var union []model.TimeRange
	for _, g := range gaps {
		union = append(union, g.Range)
		for _, a := range assignments {
			assert.False(t, g.Range.Overlaps(a.Range()), "gap %s overlaps %s", g.Range, a.Range())
		}
	}
	for _, a := range assignments {
		union = append(union, a.Range())
	}
	merged := model.MergeRanges(union)
	require.Len(t, merged, 1)
	assert.Equal(t, block.Range(), merged[0])

	// 幂等
	assert.Equal(t, gaps, FindGaps(block, assignments))
	require.Len(t, gaps, 4)
	assert.Equal(t, 390, CoveredMinutes(block, gaps))
}
