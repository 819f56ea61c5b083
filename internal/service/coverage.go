// Package service 编排存储、锁、通知与覆盖引擎
package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/paiban/carecover/internal/lock"
	"github.com/paiban/carecover/internal/metrics"
	"github.com/paiban/carecover/internal/notify"
	"github.com/paiban/carecover/internal/repository"
	"github.com/paiban/carecover/pkg/dispatcher"
	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/logger"
	"github.com/paiban/carecover/pkg/model"
	"github.com/paiban/carecover/pkg/stats"
	"github.com/paiban/carecover/pkg/validator"
)

const notifyTimeout = 5 * time.Second

// Options 服务依赖与参数，零值字段使用默认实现
type Options struct {
	Locker       lock.Locker
	Notifier     notify.Notifier
	Detector     *validator.ConflictDetector
	Engine       *dispatcher.AssignEngine
	Logger       *zerolog.Logger
	LookbackDays int // 快照包含的患者历史天数
	Workers      int // ResolveGaps 并行处理的日期数
}

// CoverageService 覆盖与分配服务
type CoverageService struct {
	store      repository.ScheduleStore
	candidates repository.CandidateSource
	locker     lock.Locker
	notifier   notify.Notifier
	detector   *validator.ConflictDetector
	engine     *dispatcher.AssignEngine
	log        *logger.CoverageLogger

	lookbackDays int
	workers      int
	pending      sync.WaitGroup
}

// NewCoverageService 创建服务
func NewCoverageService(store repository.ScheduleStore, candidates repository.CandidateSource, opts Options) *CoverageService {
	if opts.Detector == nil {
		opts.Detector = validator.NewConflictDetector(nil)
	}
	if opts.Engine == nil {
		opts.Engine = dispatcher.NewAssignEngine(opts.Detector, dispatcher.DefaultScoringPolicy())
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemoryLocker(0)
	}
	log := logger.NewCoverageLogger(opts.Logger)
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(log.Logger())
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = opts.Engine.Policy().ContinuityLookbackDays
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	return &CoverageService{
		store:        store,
		candidates:   candidates,
		locker:       opts.Locker,
		notifier:     opts.Notifier,
		detector:     opts.Detector,
		engine:       opts.Engine,
		log:          log,
		lookbackDays: opts.LookbackDays,
		workers:      opts.Workers,
	}
}

// Close 等待未完成的通知发送
func (s *CoverageService) Close() {
	s.pending.Wait()
}

// CommitResult 提交结果
type CommitResult struct {
	Assignment *model.Assignment    `json:"assignment"`
	Warnings   []validator.Conflict `json:"warnings"`
}

// GapOutcome 单个缺口的处理结果
type GapOutcome struct {
	Gap        model.GapDescriptor            `json:"gap"`
	Proposal   *dispatcher.AssignmentProposal `json:"proposal,omitempty"`
	Reason     dispatcher.NoCandidateReason   `json:"reason,omitempty"`
	Rejections []dispatcher.CandidateScore    `json:"rejections,omitempty"`
	Retried    bool                           `json:"retried"`
}

// ResolveResult 批量解决缺口的结果
type ResolveResult struct {
	Committed  []*GapOutcome `json:"committed"`
	Unresolved []*GapOutcome `json:"unresolved"`
}

// CheckAssignment 以存储中的当前快照检测冲突，不写入
func (s *CoverageService) CheckAssignment(ctx context.Context, a *model.Assignment) (*validator.ConflictResult, error) {
	block, err := s.prepare(ctx, a)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.snapshot(ctx, a.PatientID, a.Date)
	if err != nil {
		return nil, err
	}

	result := s.detector.DetectConflictsInBlock(block, a, snapshot)
	s.recordCheck(a, result)
	return result, nil
}

// CommitAssignment 加锁后重新读取快照并复检，无阻断冲突时写入并发送通知
func (s *CoverageService) CommitAssignment(ctx context.Context, a *model.Assignment) (*CommitResult, error) {
	start := time.Now()
	block, err := s.prepare(ctx, a)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx,
		lock.TherapistDayKey(a.TherapistID, a.Date),
		lock.PatientDayKey(a.PatientID, a.Date),
	)
	if err != nil {
		return nil, err
	}
	defer release()

	snapshot, err := s.snapshot(ctx, a.PatientID, a.Date)
	if err != nil {
		return nil, err
	}
	result := s.detector.DetectConflictsInBlock(block, a, snapshot)
	s.recordCheck(a, result)
	if err := result.Err(); err != nil {
		metrics.ObserveCommit(false, time.Since(start))
		return nil, err
	}

	if _, err := s.store.CommitAssignment(ctx, a); err != nil {
		metrics.ObserveCommit(false, time.Since(start))
		return nil, err
	}

	duration := time.Since(start)
	metrics.ObserveCommit(true, duration)
	s.log.Committed(a.ID.String(), a.TherapistID.String(), a.Date, duration)
	s.notify(notify.NewEvent(notify.EventCommitted, a))

	return &CommitResult{Assignment: a, Warnings: result.Warnings}, nil
}

// prepare 读取所属时段并补全分配的派生字段
func (s *CoverageService) prepare(ctx context.Context, a *model.Assignment) (*model.TimeBlock, error) {
	if a == nil {
		return nil, apperrors.InvalidInput("assignment", "不能为空")
	}
	if a.TimeBlockID == uuid.Nil {
		return nil, apperrors.InvalidInput("time_block_id", "不能为空")
	}
	block, err := s.store.GetTimeBlock(ctx, a.TimeBlockID)
	if err != nil {
		return nil, err
	}

	if a.ID == uuid.Nil {
		a.BaseModel = model.NewBaseModel()
	}
	if a.PatientID == uuid.Nil {
		a.PatientID = block.PatientID
	}
	if a.Date == "" {
		a.Date = block.Date
	}
	if a.ServiceType == "" {
		a.ServiceType = block.ServiceType
	}
	if a.DurationMinutes == 0 {
		a.DurationMinutes = a.Range().Minutes()
	}
	if a.Status == "" {
		a.Status = model.StatusAssigned
	}
	if a.AssignmentType == "" {
		a.AssignmentType = model.AssignmentPrimary
	}
	if a.AssignmentMethod == "" {
		a.AssignmentMethod = model.MethodManual
	}
	return block, nil
}

// snapshot 当日全部分配，加上患者回溯窗口内的历史分配
func (s *CoverageService) snapshot(ctx context.Context, patientID uuid.UUID, date string) ([]*model.Assignment, error) {
	sameDay, err := s.store.ListAssignments(ctx, repository.AssignmentFilter{}.OnDate(date))
	if err != nil {
		return nil, err
	}

	day, err := model.ParseDate(date)
	if err != nil {
		return nil, apperrors.InvalidInput("date", err.Error())
	}
	from := day.AddDate(0, 0, -s.lookbackDays).Format(model.DateLayout)
	history, err := s.store.ListAssignments(ctx, repository.AssignmentFilter{}.WithPatient(patientID).WithDateRange(from, date))
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(sameDay))
	out := make([]*model.Assignment, 0, len(sameDay)+len(history))
	for _, list := range [][]*model.Assignment{sameDay, history} {
		for _, a := range list {
			if _, ok := seen[a.ID]; ok {
				continue
			}
			seen[a.ID] = struct{}{}
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *CoverageService) recordCheck(a *model.Assignment, result *validator.ConflictResult) {
	metrics.RecordConflictCheck(result.IsValid)
	s.log.ConflictCheck(a.ID.String(), a.TherapistID.String(), a.Date, result.IsValid, len(result.Errors), len(result.Warnings))
}

// notify 异步发送通知，失败只记录
func (s *CoverageService) notify(event notify.Event) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, event); err != nil {
			metrics.RecordNotifyFailure()
			s.log.Logger().Warn().Err(err).
				Str("assignment_id", event.AssignmentID.String()).
				Msg("发送分配通知失败")
		}
	}()
}

// BlockGaps 计算患者在日期范围内全部时段的缺口
func (s *CoverageService) BlockGaps(ctx context.Context, patientID uuid.UUID, dates model.DateRange) ([]model.GapDescriptor, error) {
	blocks, assignments, err := s.load(ctx, patientID, dates)
	if err != nil {
		return nil, err
	}

	byBlock := make(map[uuid.UUID][]*model.Assignment)
	for _, a := range assignments {
		byBlock[a.TimeBlockID] = append(byBlock[a.TimeBlockID], a)
	}

	gaps := make([]model.GapDescriptor, 0)
	for _, b := range blocks {
		gaps = append(gaps, stats.FindGaps(b, byBlock[b.ID])...)
	}

	counts := make(map[model.GapKind]int)
	for _, g := range gaps {
		counts[g.Kind]++
	}
	for kind, n := range counts {
		metrics.RecordGaps(string(kind), n)
	}
	return gaps, nil
}

// CoverageReport 患者在日期范围内的覆盖率统计
func (s *CoverageService) CoverageReport(ctx context.Context, patientID uuid.UUID, dates model.DateRange) (*stats.CoverageMetrics, error) {
	blocks, assignments, err := s.load(ctx, patientID, dates)
	if err != nil {
		return nil, err
	}
	return stats.NewCoverageAnalyzer().Analyze(blocks, assignments), nil
}

func (s *CoverageService) load(ctx context.Context, patientID uuid.UUID, dates model.DateRange) ([]*model.TimeBlock, []*model.Assignment, error) {
	if err := validateDates(dates); err != nil {
		return nil, nil, err
	}
	blocks, err := s.store.ListTimeBlocks(ctx, patientID, dates)
	if err != nil {
		return nil, nil, err
	}
	assignments, err := s.store.ListAssignments(ctx,
		repository.AssignmentFilter{}.WithPatient(patientID).WithDateRange(dates.StartDate, dates.EndDate))
	if err != nil {
		return nil, nil, err
	}
	return blocks, assignments, nil
}

// ResolveGaps 为患者日期范围内的全部缺口自动分配并提交
// 不同日期并行处理；同一日期按优先级降序、开始时间升序依次处理，
// 每个缺口使用最新快照，提交因竞争失败时以新快照重试一次
func (s *CoverageService) ResolveGaps(ctx context.Context, patientID uuid.UUID, dates model.DateRange, opts dispatcher.AssignOptions) (*ResolveResult, error) {
	gaps, err := s.BlockGaps(ctx, patientID, dates)
	if err != nil {
		return nil, err
	}

	outcomes := make([]*GapOutcome, len(gaps))
	groups := make(map[string][]int)
	var order []string
	for i, g := range gaps {
		if _, ok := groups[g.Date]; !ok {
			order = append(order, g.Date)
		}
		groups[g.Date] = append(groups[g.Date], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, date := range order {
		indexes := groups[date]
		g.Go(func() error {
			sort.SliceStable(indexes, func(a, b int) bool {
				ga, gb := gaps[indexes[a]], gaps[indexes[b]]
				if ga.Priority.Rank() != gb.Priority.Rank() {
					return ga.Priority.Rank() > gb.Priority.Rank()
				}
				return ga.Range.Start.Before(gb.Range.Start)
			})
			for _, i := range indexes {
				outcome, err := s.resolveGap(gctx, gaps[i], opts)
				if err != nil {
					return err
				}
				outcomes[i] = outcome
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &ResolveResult{Committed: []*GapOutcome{}, Unresolved: []*GapOutcome{}}
	for _, o := range outcomes {
		if o.Proposal != nil {
			result.Committed = append(result.Committed, o)
		} else {
			result.Unresolved = append(result.Unresolved, o)
		}
	}
	return result, nil
}

func (s *CoverageService) resolveGap(ctx context.Context, gap model.GapDescriptor, opts dispatcher.AssignOptions) (*GapOutcome, error) {
	outcome := &GapOutcome{Gap: gap}

	for attempt := 0; attempt < 2; attempt++ {
		candidates, err := s.candidates.ListEligibleTherapists(ctx, gap.PatientID, gap.Date, gap.Range)
		if err != nil {
			return nil, err
		}
		snapshot, err := s.snapshot(ctx, gap.PatientID, gap.Date)
		if err != nil {
			return nil, err
		}

		res := s.engine.AutoAssign(gap, gap.PatientID, candidates, snapshot, opts)
		if !res.Assigned() {
			outcome.Reason = res.NoCandidate.Reason
			outcome.Rejections = res.NoCandidate.Rejections
			metrics.RecordAutoAssign(string(outcome.Reason))
			s.log.GapUnresolved(gap.TimeBlockID.String(), gap.Date, gap.Range.String(), string(outcome.Reason))
			return outcome, nil
		}

		committed, err := s.CommitAssignment(ctx, res.Proposal.Assignment)
		if err == nil {
			res.Proposal.Warnings = committed.Warnings
			outcome.Proposal = res.Proposal
			metrics.RecordAutoAssign("assigned")
			s.log.AutoAssigned(gap.TimeBlockID.String(), res.Proposal.Candidate.TherapistID.String(),
				gap.Range.String(), res.Proposal.Candidate.Score)
			return outcome, nil
		}
		if !apperrors.Is(err, apperrors.CodeScheduleConflict) {
			return nil, err
		}
		outcome.Retried = true
		metrics.RecordCommitRetry()
	}

	// 重试后仍被并发写入抢占
	outcome.Reason = dispatcher.ReasonAllConflict
	metrics.RecordAutoAssign(string(outcome.Reason))
	s.log.GapUnresolved(gap.TimeBlockID.String(), gap.Date, gap.Range.String(), string(outcome.Reason))
	return outcome, nil
}

// ContinuityReport 患者在 [start, end] 内的护理连续性报告
func (s *CoverageService) ContinuityReport(ctx context.Context, patientID uuid.UUID, start, end string) (*stats.ContinuityReport, error) {
	dates := model.DateRange{StartDate: start, EndDate: end}
	if err := validateDates(dates); err != nil {
		return nil, err
	}
	assignments, err := s.store.ListAssignments(ctx,
		repository.AssignmentFilter{}.WithPatient(patientID).WithDateRange(start, end))
	if err != nil {
		return nil, err
	}

	report := stats.ScoreContinuity(patientID, assignments, start, end)
	metrics.ObserveContinuityScore(report.Grade, report.Score)
	s.log.ContinuityScored(patientID.String(), report.Score, report.Grade, len(report.Warnings))
	return report, nil
}

// TransitionStatus 变更分配状态并发送通知
func (s *CoverageService) TransitionStatus(ctx context.Context, assignmentID uuid.UUID, status model.AssignmentStatus) (*model.Assignment, error) {
	a, err := s.store.UpdateAssignmentStatus(ctx, assignmentID, status)
	if err != nil {
		return nil, err
	}
	s.notify(notify.NewEvent(notify.EventStatusChanged, a))
	return a, nil
}

func validateDates(dates model.DateRange) error {
	start, err := model.ParseDate(dates.StartDate)
	if err != nil {
		return apperrors.InvalidInput("start_date", err.Error())
	}
	end, err := model.ParseDate(dates.EndDate)
	if err != nil {
		return apperrors.InvalidInput("end_date", err.Error())
	}
	if end.Before(start) {
		return apperrors.New(apperrors.CodeInvalidTimeRange, "结束日期早于开始日期")
	}
	return nil
}
