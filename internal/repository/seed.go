package repository

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/paiban/carecover/pkg/model"
)

// SeedData 内存存储的初始化数据（JSON）
type SeedData struct {
	Therapists  []SeedTherapist     `json:"therapists"`
	TimeBlocks  []*model.TimeBlock  `json:"time_blocks"`
	Assignments []*model.Assignment `json:"assignments"`
	Preferences []SeedPreference    `json:"preferences"`
}

// SeedTherapist 治疗师及其可用时段
type SeedTherapist struct {
	model.Therapist
	Availability map[string][]model.TimeRange `json:"availability"` // 日期 -> 可用时段
	OptimalStart string                       `json:"optimal_start,omitempty"`
	OptimalEnd   string                       `json:"optimal_end,omitempty"`
}

// SeedPreference 患者偏好或排除
type SeedPreference struct {
	PatientID   uuid.UUID      `json:"patient_id"`
	TherapistID uuid.UUID      `json:"therapist_id"`
	Kind        PreferenceKind `json:"kind"`
}

// LoadSeed 从 JSON 读取初始化数据并写入存储
func (s *MemoryStore) LoadSeed(r io.Reader) error {
	var data SeedData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("解析初始化数据失败: %w", err)
	}

	for i := range data.Therapists {
		t := &data.Therapists[i]
		if t.ID == uuid.Nil {
			return fmt.Errorf("第 %d 个治疗师缺少 id", i+1)
		}
		if t.Status == "" {
			t.Status = "active"
		}
		s.SaveTherapist(&t.Therapist)
		for date, windows := range t.Availability {
			s.SetAvailability(t.ID, date, windows...)
		}
		if t.OptimalStart != "" && t.OptimalEnd != "" {
			s.SetOptimalHours(t.ID, t.OptimalStart, t.OptimalEnd)
		}
	}
	for _, b := range data.TimeBlocks {
		if b == nil {
			continue
		}
		if err := s.SaveTimeBlock(b); err != nil {
			return fmt.Errorf("时段 %s: %w", b.ID, err)
		}
	}
	for _, a := range data.Assignments {
		if a == nil {
			continue
		}
		s.SaveAssignment(a)
	}
	for _, p := range data.Preferences {
		switch p.Kind {
		case PreferencePreferred, PreferenceExcluded:
		default:
			return fmt.Errorf("未知的偏好类型: %q", p.Kind)
		}
		s.SetPreference(p.PatientID, p.TherapistID, p.Kind)
	}
	return nil
}
