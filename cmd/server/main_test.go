package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/carecover/internal/service"
	"github.com/paiban/carecover/pkg/stats"
)

const testSeed = `{
  "therapists": [
    {
      "id": "11111111-1111-1111-1111-111111111111",
      "name": "Alice",
      "availability": {
        "2024-01-15": [{"start": "2024-01-15T08:00:00Z", "end": "2024-01-15T12:00:00Z"}]
      }
    }
  ],
  "time_blocks": [
    {
      "id": "22222222-2222-2222-2222-222222222222",
      "patient_id": "33333333-3333-3333-3333-333333333333",
      "date": "2024-01-15",
      "start_time": "2024-01-15T09:00:00Z",
      "end_time": "2024-01-15T10:00:00Z",
      "service_type": "direct",
      "priority": "high"
    }
  ]
}`

const testPatient = "33333333-3333-3333-3333-333333333333"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(testSeed), 0o600))
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "v"+Version)
	assert.Contains(t, out, GitCommit)
}

func TestPatientFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   patientFlags
		wantEnd string
		wantErr bool
	}{
		{"结束日期缺省", patientFlags{patient: testPatient, start: "2024-01-15"}, "2024-01-15", false},
		{"显式结束日期", patientFlags{patient: testPatient, start: "2024-01-15", end: "2024-01-20"}, "2024-01-20", false},
		{"患者ID无效", patientFlags{patient: "abc", start: "2024-01-15"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, dates, err := tt.flags.parse()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testPatient, id.String())
			assert.Equal(t, tt.wantEnd, dates.EndDate)
		})
	}
}

func TestResolveCmd(t *testing.T) {
	seed := writeSeed(t)

	out, err := execute(t, "--seed", seed, "resolve", "--patient", testPatient, "--start", "2024-01-15")
	require.NoError(t, err)

	start := bytes.IndexByte([]byte(out), '{')
	require.GreaterOrEqual(t, start, 0, out)
	var result service.ResolveResult
	require.NoError(t, json.NewDecoder(bytes.NewReader([]byte(out[start:]))).Decode(&result))
	assert.Len(t, result.Committed, 1)
	assert.Empty(t, result.Unresolved)
}

func TestContinuityCmd(t *testing.T) {
	out, err := execute(t, "continuity", "--patient", testPatient, "--start", "2024-01-01", "--end", "2024-01-07")
	require.NoError(t, err)

	start := bytes.IndexByte([]byte(out), '{')
	require.GreaterOrEqual(t, start, 0, out)
	var report stats.ContinuityReport
	require.NoError(t, json.NewDecoder(bytes.NewReader([]byte(out[start:]))).Decode(&report))
	assert.Equal(t, testPatient, report.PatientID.String())
	assert.Equal(t, 0, report.TotalSessions)
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"缺少患者参数", []string{"resolve", "--start", "2024-01-15"}},
		{"日期范围倒置", []string{"continuity", "--patient", testPatient, "--start", "2024-01-07", "--end", "2024-01-01"}},
		{"内存存储不支持迁移", []string{"migrate"}},
		{"初始化数据不存在", []string{"--seed", "/nonexistent/seed.json", "resolve", "--patient", testPatient, "--start", "2024-01-15"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}
