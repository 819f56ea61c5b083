package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/model"
	"github.com/paiban/carecover/pkg/validator"
)

// MemoryStore 内存存储，实现 ScheduleStore 与 CandidateSource
// 用于测试与开发环境；返回值均为副本
type MemoryStore struct {
	mu       sync.RWMutex
	detector *validator.ConflictDetector

	blocks       map[uuid.UUID]*model.TimeBlock
	assignments  map[uuid.UUID]*model.Assignment
	therapists   map[uuid.UUID]*model.Therapist
	availability map[uuid.UUID]map[string][]model.TimeRange
	optimal      map[uuid.UUID][2]string
	preferences  map[uuid.UUID]map[uuid.UUID]PreferenceKind
}

// NewMemoryStore 创建内存存储，detector 为空时提交不复检冲突
func NewMemoryStore(detector *validator.ConflictDetector) *MemoryStore {
	return &MemoryStore{
		detector:     detector,
		blocks:       make(map[uuid.UUID]*model.TimeBlock),
		assignments:  make(map[uuid.UUID]*model.Assignment),
		therapists:   make(map[uuid.UUID]*model.Therapist),
		availability: make(map[uuid.UUID]map[string][]model.TimeRange),
		optimal:      make(map[uuid.UUID][2]string),
		preferences:  make(map[uuid.UUID]map[uuid.UUID]PreferenceKind),
	}
}

// ==================== 写入（初始化数据） ====================

// SaveTimeBlock 保存时段
func (s *MemoryStore) SaveTimeBlock(b *model.TimeBlock) error {
	if err := validator.ValidateTimeBlock(b).Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.blocks[b.ID] = &cp
	return nil
}

// SaveAssignment 直接写入分配（不做冲突检测），用于导入历史数据
func (s *MemoryStore) SaveAssignment(a *model.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.assignments[a.ID] = &cp
}

// SaveTherapist 保存治疗师
func (s *MemoryStore) SaveTherapist(t *model.Therapist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.therapists[t.ID] = &cp
}

// SetAvailability 设置治疗师某日可用时段
func (s *MemoryStore) SetAvailability(therapistID uuid.UUID, date string, windows ...model.TimeRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.availability[therapistID] == nil {
		s.availability[therapistID] = make(map[string][]model.TimeRange)
	}
	s.availability[therapistID][date] = append([]model.TimeRange(nil), windows...)
}

// SetOptimalHours 设置最佳工作时段（HH:MM）
func (s *MemoryStore) SetOptimalHours(therapistID uuid.UUID, start, end string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optimal[therapistID] = [2]string{start, end}
}

// SetPreference 设置患者偏好或排除
func (s *MemoryStore) SetPreference(patientID, therapistID uuid.UUID, kind PreferenceKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preferences[patientID] == nil {
		s.preferences[patientID] = make(map[uuid.UUID]PreferenceKind)
	}
	s.preferences[patientID][therapistID] = kind
}

// ==================== ScheduleStore ====================

// ListAssignments 按过滤条件列出分配，按日期和开始时间排序
func (s *MemoryStore) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*model.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(filter), nil
}

func (s *MemoryStore) listLocked(filter AssignmentFilter) []*model.Assignment {
	out := make([]*model.Assignment, 0)
	for _, a := range s.assignments {
		if filter.Match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// GetAssignment 获取分配
func (s *MemoryStore) GetAssignment(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, apperrors.NotFound("分配", id.String())
	}
	cp := *a
	return &cp, nil
}

// CommitAssignment 在写锁内复检冲突后写入
func (s *MemoryStore) CommitAssignment(ctx context.Context, a *model.Assignment) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.blocks[a.TimeBlockID]
	if !ok {
		return uuid.Nil, apperrors.NotFound("时段", a.TimeBlockID.String())
	}
	// 已提交的分配只能变更状态，不能被覆盖
	if _, exists := s.assignments[a.ID]; exists && a.ID != uuid.Nil {
		return uuid.Nil, apperrors.New(apperrors.CodeScheduleConflict, "分配已存在").
			WithField("assignment_id", a.ID.String())
	}

	if s.detector != nil {
		snapshot := s.sameDayLocked(a)
		if err := s.detector.DetectConflictsInBlock(block, a, snapshot).Err(); err != nil {
			return uuid.Nil, err
		}
	}

	cp := *a
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.assignments[cp.ID] = &cp
	return cp.ID, nil
}

// sameDayLocked 与分配同日、同治疗师或同患者的分配
func (s *MemoryStore) sameDayLocked(a *model.Assignment) []*model.Assignment {
	var out []*model.Assignment
	for _, e := range s.assignments {
		if e.Date != a.Date {
			continue
		}
		if e.TherapistID == a.TherapistID || e.PatientID == a.PatientID {
			out = append(out, e)
		}
	}
	return out
}

// UpdateAssignmentStatus 状态流转，取消为软删除
func (s *MemoryStore) UpdateAssignmentStatus(ctx context.Context, id uuid.UUID, status model.AssignmentStatus) (*model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, apperrors.NotFound("分配", id.String())
	}
	if !model.CanTransition(a.Status, status) {
		return nil, invalidTransition(a.Status, status)
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

// ListTimeBlocks 列出患者在日期范围内的时段
func (s *MemoryStore) ListTimeBlocks(ctx context.Context, patientID uuid.UUID, dates model.DateRange) ([]*model.TimeBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.TimeBlock, 0)
	for _, b := range s.blocks {
		if b.PatientID == patientID && dates.Contains(b.Date) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// GetTimeBlock 获取时段
func (s *MemoryStore) GetTimeBlock(ctx context.Context, id uuid.UUID) (*model.TimeBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil, apperrors.NotFound("时段", id.String())
	}
	cp := *b
	return &cp, nil
}

// ==================== CandidateSource ====================

// ListEligibleTherapists 列出在职治疗师及其当日可用时段，按ID排序
// 不按可用性过滤，由分配引擎判断并给出淘汰原因
func (s *MemoryStore) ListEligibleTherapists(ctx context.Context, patientID uuid.UUID, date string, window model.TimeRange) ([]*model.TherapistCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.TherapistCandidate, 0, len(s.therapists))
	for id, t := range s.therapists {
		if !t.IsActive() {
			continue
		}
		c := &model.TherapistCandidate{
			TherapistID:  id,
			Name:         t.Name,
			Availability: append([]model.TimeRange(nil), s.availability[id][date]...),
			ServiceTypes: append([]model.ServiceType(nil), t.Qualifications...),
		}
		switch s.preferences[patientID][id] {
		case PreferencePreferred:
			c.Preferred = true
		case PreferenceExcluded:
			c.Excluded = true
		}
		if hours, ok := s.optimal[id]; ok {
			start, err1 := model.OnDate(date, hours[0])
			end, err2 := model.OnDate(date, hours[1])
			if err1 == nil && err2 == nil {
				r := model.NewTimeRange(start, end)
				c.OptimalHours = &r
			}
		}
		for _, a := range s.assignments {
			if a.TherapistID == id && a.Date == date && a.IsActive() {
				c.CurrentDailyAssignments++
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TherapistID.String() < out[j].TherapistID.String()
	})
	return out, nil
}

func invalidTransition(from, to model.AssignmentStatus) *apperrors.AppError {
	return apperrors.New(apperrors.CodeInvalidTransition, "不允许的状态流转").
		WithField("from", string(from)).
		WithField("to", string(to))
}
