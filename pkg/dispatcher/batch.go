package dispatcher

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/paiban/carecover/pkg/model"
)

// AssignRequest 批量分配中的单个缺口请求
type AssignRequest struct {
	Gap        model.GapDescriptor         `json:"gap"`
	PatientID  uuid.UUID                   `json:"patient_id"`
	Candidates []*model.TherapistCandidate `json:"candidates"`
	Existing   []*model.Assignment         `json:"existing"`
	Options    AssignOptions               `json:"options"`
}

// BatchAutoAssign 批量自动分配
// 不同日期的缺口相互独立，并行处理；同一日期内按优先级顺序处理，
// 已接受的建议会加入后续缺口的快照，避免同一治疗师被重复安排
func (e *AssignEngine) BatchAutoAssign(ctx context.Context, requests []*AssignRequest, workers int) ([]*AssignResult, error) {
	results := make([]*AssignResult, len(requests))
	if len(requests) == 0 {
		return results, nil
	}
	if workers <= 0 {
		workers = 4
	}

	// 按日期分组，保留原始下标
	groups := make(map[string][]int)
	for i, req := range requests {
		if req == nil {
			continue
		}
		groups[req.Gap.Date] = append(groups[req.Gap.Date], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, indexes := range groups {
		indexes := indexes
		g.Go(func() error {
			sort.SliceStable(indexes, func(a, b int) bool {
				ga, gb := requests[indexes[a]].Gap, requests[indexes[b]].Gap
				if ga.Priority.Rank() != gb.Priority.Rank() {
					return ga.Priority.Rank() > gb.Priority.Rank()
				}
				return ga.Range.Start.Before(gb.Range.Start)
			})

			var accepted []*model.Assignment
			for _, i := range indexes {
				if err := gctx.Err(); err != nil {
					return err
				}
				req := requests[i]
				snapshot := make([]*model.Assignment, 0, len(req.Existing)+len(accepted))
				snapshot = append(snapshot, req.Existing...)
				snapshot = append(snapshot, accepted...)

				res := e.AutoAssign(req.Gap, req.PatientID, req.Candidates, snapshot, req.Options)
				results[i] = res
				if res.Assigned() {
					accepted = append(accepted, res.Proposal.Assignment)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
