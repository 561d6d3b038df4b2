package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildlens/buildlens/internal/foundation"
	"github.com/buildlens/buildlens/internal/store"
)

type fakeSource struct {
	cfg    *store.RepoConfig
	repo   *store.RawRepository
	runs   map[int64]*store.RawBuildRun
	builds []store.TrainingBuild

	listedStatuses []store.ExtractionStatus
}

func (f *fakeSource) GetRepoConfig(context.Context, int64) (*store.RepoConfig, error) {
	return f.cfg, nil
}

func (f *fakeSource) GetRawRepository(context.Context, int64) (*store.RawRepository, error) {
	return f.repo, nil
}

func (f *fakeSource) GetRawBuildRun(_ context.Context, id int64) (*store.RawBuildRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return run, nil
}

func (f *fakeSource) ListTrainingBuilds(_ context.Context, _ int64, statuses ...store.ExtractionStatus) ([]store.TrainingBuild, error) {
	f.listedStatuses = statuses
	return f.builds, nil
}

func newFakeSource() *fakeSource {
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	return &fakeSource{
		cfg: &store.RepoConfig{
			ID:              3,
			RawRepositoryID: 7,
			Features: []string{
				"git_branch",
				"git_all_built_commits",
				"tr_log_tests_run_sum",
				"tr_log_tests_fail_rate",
			},
		},
		repo: &store.RawRepository{ID: 7, FullName: "Acme/App"},
		runs: map[int64]*store.RawBuildRun{
			41: {ID: 41, ProviderBuildID: 5001, Number: 11, CommitSHA: "aaa111", Branch: "main",
				Conclusion: "success", RunCreatedAt: foundation.Some(created)},
			42: {ID: 42, ProviderBuildID: 5002, Number: 12, CommitSHA: "bbb222", Branch: "main",
				Conclusion: "failure"},
		},
		builds: []store.TrainingBuild{
			{ID: 1, RepoConfigID: 3, RawBuildRunID: 41, ExtractionStatus: store.ExtractionCompleted,
				Features: map[string]any{
					"git_branch":             "main",
					"git_all_built_commits":  []any{"aaa111", "000aaa"},
					"tr_log_tests_run_sum":   float64(9),
					"tr_log_tests_fail_rate": 0.25,
				}},
			{ID: 2, RepoConfigID: 3, RawBuildRunID: 42, ExtractionStatus: store.ExtractionPartial,
				Features: map[string]any{
					"git_branch":             "main",
					"tr_log_tests_run_sum":   float64(0),
					"tr_log_tests_fail_rate": nil,
				}},
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestExportCSV(t *testing.T) {
	src := newFakeSource()
	dir := t.TempDir()
	e := New(src, dir, nil)

	summary, err := e.Export(context.Background(), 3, Options{Formats: []Format{FormatCSV}})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Rows)
	assert.Equal(t, "Acme/App", summary.RepoSlug)
	assert.Equal(t,
		[]store.ExtractionStatus{store.ExtractionCompleted, store.ExtractionPartial},
		src.listedStatuses)

	path := filepath.Join(dir, "acme-app-config-3", "features.csv")
	records := readCSV(t, path)
	require.Len(t, records, 3)

	header := records[0]
	assert.Equal(t, "build_id", header[0])
	assert.Equal(t,
		[]string{"git_branch", "git_all_built_commits", "tr_log_tests_run_sum", "tr_log_tests_fail_rate"},
		header[len(header)-4:])

	first := records[1]
	assert.Equal(t, "5001", first[0])
	assert.Equal(t, "11", first[1])
	assert.Equal(t, "aaa111", first[2])
	assert.Equal(t, "2026-08-01T10:00:00Z", first[6])
	assert.Equal(t, "main", first[7])
	// Lists flatten with their registered separator.
	assert.Equal(t, "aaa111#000aaa", first[8])
	// Integer features render without a fraction.
	assert.Equal(t, "9", first[9])
	assert.Equal(t, "0.25", first[10])

	second := records[2]
	assert.Equal(t, "5002", second[0])
	assert.Empty(t, second[6], "missing run timestamp is empty")
	assert.Empty(t, second[8], "unproduced list feature is empty")
	assert.Equal(t, "0", second[9])
	assert.Empty(t, second[10], "null feature is empty")
}

func TestExportJSON(t *testing.T) {
	src := newFakeSource()
	dir := t.TempDir()
	e := New(src, dir, nil)

	_, err := e.Export(context.Background(), 3, Options{Formats: []Format{FormatJSON}})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "acme-app-config-3", "features.json"))
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(data, &rows))
	require.Len(t, rows, 2)

	assert.Equal(t, float64(5001), rows[0]["build_id"])
	assert.Equal(t, "completed", rows[0]["extraction_status"])
	featureMap, ok := rows[0]["features"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"aaa111", "000aaa"}, featureMap["git_all_built_commits"])

	// Selected but unproduced features appear as explicit nulls.
	second, ok := rows[1]["features"].(map[string]any)
	require.True(t, ok)
	v, present := second["git_all_built_commits"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.Nil(t, rows[1]["run_created_at"])
}

func TestExportSchema(t *testing.T) {
	src := newFakeSource()
	dir := t.TempDir()
	e := New(src, dir, nil)

	summary, err := e.Export(context.Background(), 3, Options{Formats: []Format{FormatCSV}})
	require.NoError(t, err)

	var schemaPath string
	for _, p := range summary.Paths {
		if strings.HasSuffix(p, "schema.csv") {
			schemaPath = p
		}
	}
	require.NotEmpty(t, schemaPath)

	records := readCSV(t, schemaPath)
	require.Len(t, records, 5)
	assert.Equal(t, []string{"name", "category", "type", "node", "nullable", "separator", "description"}, records[0])

	byName := make(map[string][]string)
	for _, rec := range records[1:] {
		byName[rec[0]] = rec
	}
	assert.Equal(t, "list_string", byName["git_all_built_commits"][2])
	assert.Equal(t, "#", byName["git_all_built_commits"][5])
	assert.Equal(t, "true", byName["tr_log_tests_fail_rate"][4])
}

func TestExportRejectsUnknownFeature(t *testing.T) {
	src := newFakeSource()
	e := New(src, t.TempDir(), nil)

	_, err := e.Export(context.Background(), 3, Options{Features: []string{"no_such_feature"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_feature")
}

func TestExportStatusFilterPassthrough(t *testing.T) {
	src := newFakeSource()
	e := New(src, t.TempDir(), nil)

	_, err := e.Export(context.Background(), 3, Options{
		Formats:  []Format{FormatJSON},
		Statuses: []store.ExtractionStatus{store.ExtractionCompleted},
	})
	require.NoError(t, err)
	assert.Equal(t, []store.ExtractionStatus{store.ExtractionCompleted}, src.listedStatuses)
}
