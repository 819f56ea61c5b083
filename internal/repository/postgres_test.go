package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/carecover/internal/database"
	"github.com/paiban/carecover/internal/lock"
	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/model"
	"github.com/paiban/carecover/pkg/validator"
)

var assignmentRowColumns = []string{
	"id", "time_block_id", "patient_id", "therapist_id", "date",
	"start_time", "end_time", "duration_minutes", "assignment_type", "status", "assignment_method",
	"confidence_score", "service_type", "billable_hours", "contract_hours", "split_coverage", "notes",
	"created_at", "updated_at",
}

var timeBlockRowColumns = []string{
	"id", "patient_id", "date", "start_time", "end_time",
	"service_type", "priority", "location_id", "allow_split_coverage", "created_at", "updated_at",
}

func setupMockDB(t *testing.T) (*database.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.Wrap(db), mock
}

func assignmentRow(rows *sqlmock.Rows, a *model.Assignment) *sqlmock.Rows {
	return rows.AddRow(
		a.ID.String(), a.TimeBlockID.String(), a.PatientID.String(), a.TherapistID.String(), a.Date,
		a.StartTime, a.EndTime, a.DurationMinutes, string(a.AssignmentType), string(a.Status), string(a.AssignmentMethod),
		nil, string(a.ServiceType), nil, nil, a.SplitCoverage, a.Notes,
		a.CreatedAt, a.UpdatedAt,
	)
}

func timeBlockRows(b *model.TimeBlock) *sqlmock.Rows {
	return sqlmock.NewRows(timeBlockRowColumns).AddRow(
		b.ID.String(), b.PatientID.String(), b.Date, b.StartTime, b.EndTime,
		string(b.ServiceType), string(b.Priority), nil, b.AllowSplitCoverage, b.CreatedAt, b.UpdatedAt,
	)
}

func TestAssignmentRepository_ListAssignments(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAssignmentRepository(db, nil)

	block := newBlock(uuid.New(), "09:00", "12:00")
	a := newAssignment(block, uuid.New(), "09:00", "10:00")
	score := 0.8
	a.ConfidenceScore = &score

	rows := sqlmock.NewRows(assignmentRowColumns).AddRow(
		a.ID.String(), a.TimeBlockID.String(), a.PatientID.String(), a.TherapistID.String(), a.Date,
		a.StartTime, a.EndTime, a.DurationMinutes, "primary", "assigned", "manual",
		0.8, "direct", nil, nil, false, "",
		a.CreatedAt, a.UpdatedAt,
	)
	mock.ExpectQuery(`SELECT .+ FROM assignments WHERE therapist_id = \$1 AND date >= \$2 AND date <= \$3`).
		WithArgs(a.TherapistID, testDate, testDate).
		WillReturnRows(rows)

	list, err := repo.ListAssignments(context.Background(), AssignmentFilter{}.WithTherapist(a.TherapistID).OnDate(testDate))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, model.StatusAssigned, list[0].Status)
	assert.Equal(t, model.ServiceDirect, list[0].ServiceType)
	require.NotNil(t, list[0].ConfidenceScore)
	assert.InDelta(t, 0.8, *list[0].ConfidenceScore, 1e-9)
	assert.Nil(t, list[0].BillableHours)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepository_GetAssignment_NotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAssignmentRepository(db, nil)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM assignments WHERE id = \$1`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetAssignment(context.Background(), id)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepository_CommitAssignment(t *testing.T) {
	patient := uuid.New()
	therapist := uuid.New()
	block := newBlock(patient, "09:00", "12:00")

	expectLocks := func(mock sqlmock.Sqlmock) {
		mock.ExpectBegin()
		mock.ExpectExec(`pg_advisory_xact_lock`).
			WithArgs(lock.PatientDayKey(patient, testDate)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`pg_advisory_xact_lock`).
			WithArgs(lock.TherapistDayKey(therapist, testDate)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`FROM time_blocks WHERE id = \$1`).
			WithArgs(block.ID).
			WillReturnRows(timeBlockRows(block))
	}

	t.Run("无冲突写入", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewAssignmentRepository(db, validator.NewConflictDetector(nil))
		a := newAssignment(block, therapist, "09:00", "10:00")

		expectLocks(mock)
		mock.ExpectQuery(`FROM assignments WHERE therapist_id`).
			WillReturnRows(sqlmock.NewRows(assignmentRowColumns))
		mock.ExpectQuery(`FROM assignments WHERE patient_id`).
			WillReturnRows(sqlmock.NewRows(assignmentRowColumns))
		mock.ExpectExec(`INSERT INTO assignments`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		id, err := repo.CommitAssignment(context.Background(), a)
		require.NoError(t, err)
		assert.Equal(t, a.ID, id)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("快照冲突回滚", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewAssignmentRepository(db, validator.NewConflictDetector(nil))
		existing := newAssignment(newBlock(uuid.New(), "09:00", "12:00"), therapist, "09:30", "10:30")
		a := newAssignment(block, therapist, "09:00", "10:00")

		expectLocks(mock)
		mock.ExpectQuery(`FROM assignments WHERE therapist_id`).
			WillReturnRows(assignmentRow(sqlmock.NewRows(assignmentRowColumns), existing))
		mock.ExpectQuery(`FROM assignments WHERE patient_id`).
			WillReturnRows(sqlmock.NewRows(assignmentRowColumns))
		mock.ExpectRollback()

		_, err := repo.CommitAssignment(context.Background(), a)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.CodeScheduleConflict))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAssignmentRepository_UpdateAssignmentStatus(t *testing.T) {
	block := newBlock(uuid.New(), "09:00", "12:00")
	a := newAssignment(block, uuid.New(), "09:00", "10:00")

	t.Run("合法流转", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewAssignmentRepository(db, nil)

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM assignments WHERE id = \$1 FOR UPDATE`).
			WithArgs(a.ID).
			WillReturnRows(assignmentRow(sqlmock.NewRows(assignmentRowColumns), a))
		mock.ExpectExec(`UPDATE assignments SET status`).
			WithArgs(a.ID, "confirmed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		updated, err := repo.UpdateAssignmentStatus(context.Background(), a.ID, model.StatusConfirmed)
		require.NoError(t, err)
		assert.Equal(t, model.StatusConfirmed, updated.Status)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("非法流转", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewAssignmentRepository(db, nil)

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM assignments WHERE id = \$1 FOR UPDATE`).
			WithArgs(a.ID).
			WillReturnRows(assignmentRow(sqlmock.NewRows(assignmentRowColumns), a))
		mock.ExpectRollback()

		_, err := repo.UpdateAssignmentStatus(context.Background(), a.ID, model.StatusCompleted)
		assert.True(t, apperrors.Is(err, apperrors.CodeInvalidTransition))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTimeBlockRepository(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewTimeBlockRepository(db)
	patient := uuid.New()
	block := newBlock(patient, "09:00", "12:00")

	mock.ExpectQuery(`FROM time_blocks\s+WHERE patient_id = \$1 AND date >= \$2 AND date <= \$3`).
		WithArgs(patient, testDate, "2024-01-21").
		WillReturnRows(timeBlockRows(block))

	blocks, err := repo.ListTimeBlocks(context.Background(), patient, model.DateRange{StartDate: testDate, EndDate: "2024-01-21"})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, block.ID, blocks[0].ID)
	assert.Equal(t, model.PriorityHigh, blocks[0].Priority)
	assert.Nil(t, blocks[0].LocationID)
	assert.True(t, blocks[0].StartTime.Equal(block.StartTime))

	mock.ExpectQuery(`FROM time_blocks WHERE id = \$1`).
		WithArgs(block.ID).
		WillReturnError(sql.ErrNoRows)
	_, err = repo.GetTimeBlock(context.Background(), block.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTherapistRepository_ListEligibleTherapists(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewTherapistRepository(db)
	patient := uuid.New()
	alice := uuid.New()
	bob := uuid.New()
	window := model.NewTimeRange(clock("09:00"), clock("10:00"))

	mock.ExpectQuery(`FROM therapists t`).
		WithArgs(patient, testDate).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "qualifications", "kind", "optimal_start", "optimal_end", "count"}).
			AddRow(alice.String(), "Alice", []byte("{direct,assessment}"), "preferred", "08:00", "12:00", int64(2)).
			AddRow(bob.String(), "Bob", []byte("{}"), "", nil, nil, int64(0)))
	mock.ExpectQuery(`FROM therapist_availability`).
		WithArgs(testDate, sqlmock.AnyArg(), window.Start, window.End).
		WillReturnRows(sqlmock.NewRows([]string{"therapist_id", "start_time", "end_time"}).
			AddRow(alice.String(), clock("08:00"), clock("12:00")))

	candidates, err := repo.ListEligibleTherapists(context.Background(), patient, testDate, window)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	a := candidates[0]
	assert.Equal(t, alice, a.TherapistID)
	assert.True(t, a.Preferred)
	assert.False(t, a.Excluded)
	assert.Equal(t, 2, a.CurrentDailyAssignments)
	assert.Equal(t, []model.ServiceType{model.ServiceDirect, model.ServiceAssessment}, a.ServiceTypes)
	require.NotNil(t, a.OptimalHours)
	assert.Equal(t, 8, a.OptimalHours.Start.Hour())
	assert.True(t, a.AvailableFor(window))

	b := candidates[1]
	assert.Equal(t, bob, b.TherapistID)
	assert.Nil(t, b.OptimalHours)
	assert.Empty(t, b.Availability)
	assert.Empty(t, b.ServiceTypes)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS therapists`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}
