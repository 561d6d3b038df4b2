// Package export renders a config's extracted feature vectors into
// flat artifacts on disk. CSV output flattens list features with their
// registered separator and leaves nulls empty; JSON output keeps the
// feature map as stored, explicit nulls included. A schema file
// describing every exported column accompanies the data.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/buildlens/buildlens/internal/features"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/store"
)

// Format selects the artifact encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// metaColumns lead every export row, before the feature columns.
var metaColumns = []string{
	"build_id",
	"build_number",
	"commit_sha",
	"branch",
	"conclusion",
	"extraction_status",
	"run_created_at",
}

// BuildSource is the slice of the store the exporter reads.
type BuildSource interface {
	GetRepoConfig(ctx context.Context, id int64) (*store.RepoConfig, error)
	GetRawRepository(ctx context.Context, id int64) (*store.RawRepository, error)
	GetRawBuildRun(ctx context.Context, id int64) (*store.RawBuildRun, error)
	ListTrainingBuilds(ctx context.Context, repoConfigID int64, statuses ...store.ExtractionStatus) ([]store.TrainingBuild, error)
}

// Options narrows what an export run emits. Zero values mean the
// config's own feature selection, completed and partial builds, and
// both formats.
type Options struct {
	Formats  []Format
	Features []string
	Statuses []store.ExtractionStatus
}

// Summary reports what one export run wrote.
type Summary struct {
	ConfigID int64
	RepoSlug string
	Rows     int
	Columns  []string
	Paths    []string
}

// Exporter writes feature-vector artifacts under a base directory,
// one subdirectory per config.
type Exporter struct {
	source BuildSource
	dir    string
	logger *slog.Logger
}

// New builds an exporter rooted at dir.
func New(source BuildSource, dir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{source: source, dir: dir, logger: logger}
}

// Export writes the selected artifacts for one config and returns
// where they landed. Configs with no matching builds export headers
// and an empty data set rather than failing.
func (e *Exporter) Export(ctx context.Context, configID int64, opts Options) (*Summary, error) {
	cfg, err := e.source.GetRepoConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	repo, err := e.source.GetRawRepository(ctx, cfg.RawRepositoryID)
	if err != nil {
		return nil, err
	}

	selection, err := resolveSelection(cfg, opts.Features)
	if err != nil {
		return nil, err
	}
	statuses := opts.Statuses
	if len(statuses) == 0 {
		statuses = []store.ExtractionStatus{store.ExtractionCompleted, store.ExtractionPartial}
	}
	formats := opts.Formats
	if len(formats) == 0 {
		formats = []Format{FormatCSV, FormatJSON}
	}

	builds, err := e.source.ListTrainingBuilds(ctx, configID, statuses...)
	if err != nil {
		return nil, err
	}
	rows, err := e.collectRows(ctx, builds)
	if err != nil {
		return nil, err
	}

	outDir := filepath.Join(e.dir, fmt.Sprintf("%s-config-%d", slugify(repo.FullName), configID))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, ferrors.ConfigError(fmt.Sprintf("create export directory %s", outDir)).WithCause(err).Build()
	}

	summary := &Summary{
		ConfigID: configID,
		RepoSlug: repo.FullName,
		Rows:     len(rows),
		Columns:  append(append([]string{}, metaColumns...), selection...),
	}
	for _, format := range formats {
		var (
			path string
			err  error
		)
		switch format {
		case FormatCSV:
			path = filepath.Join(outDir, "features.csv")
			err = writeCSV(path, selection, rows)
		case FormatJSON:
			path = filepath.Join(outDir, "features.json")
			err = writeJSON(path, selection, rows)
		default:
			return nil, ferrors.ValidationError(fmt.Sprintf("unknown export format %q", format)).Build()
		}
		if err != nil {
			return nil, err
		}
		summary.Paths = append(summary.Paths, path)
	}

	schemaPath := filepath.Join(outDir, "schema.csv")
	if err := writeSchema(schemaPath, selection); err != nil {
		return nil, err
	}
	summary.Paths = append(summary.Paths, schemaPath)

	e.logger.Info("Feature export written",
		logfields.RepoID(configID),
		logfields.Repository(repo.FullName),
		slog.Int("rows", len(rows)),
		slog.Int("columns", len(summary.Columns)),
		slog.String("dir", outDir))
	return summary, nil
}

// resolveSelection validates the requested feature names and orders
// them by the registry table, so column order is stable regardless of
// how the selection was written.
func resolveSelection(cfg *store.RepoConfig, requested []string) ([]string, error) {
	if len(requested) == 0 {
		requested = cfg.Features
	}
	if len(requested) == 0 {
		return features.Names(), nil
	}
	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		if _, ok := features.Lookup(name); !ok {
			return nil, ferrors.ValidationError(fmt.Sprintf("unknown feature %q", name)).Build()
		}
		want[name] = true
	}
	var ordered []string
	for _, m := range features.All() {
		if want[m.Name] {
			ordered = append(ordered, m.Name)
		}
	}
	return ordered, nil
}

// row pairs a result record with its raw run, the source of the
// metadata columns.
type row struct {
	build store.TrainingBuild
	run   *store.RawBuildRun
}

func (e *Exporter) collectRows(ctx context.Context, builds []store.TrainingBuild) ([]row, error) {
	rows := make([]row, 0, len(builds))
	for i := range builds {
		run, err := e.source.GetRawBuildRun(ctx, builds[i].RawBuildRunID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row{build: builds[i], run: run})
	}
	return rows, nil
}

func (r row) metaValues() []string {
	createdAt := ""
	if r.run.RunCreatedAt.IsSome() {
		createdAt = r.run.RunCreatedAt.Unwrap().UTC().Format(time.RFC3339)
	}
	return []string{
		strconv.FormatInt(r.run.ProviderBuildID, 10),
		strconv.Itoa(r.run.Number),
		r.run.CommitSHA,
		r.run.Branch,
		r.run.Conclusion,
		string(r.build.ExtractionStatus),
		createdAt,
	}
}

// writeCSV writes the flat matrix: metadata columns then one column
// per selected feature, in registry order.
func writeCSV(path string, selection []string, rows []row) error {
	f, err := os.Create(path)
	if err != nil {
		return ferrors.ConfigError(fmt.Sprintf("create %s", path)).WithCause(err).Build()
	}
	defer f.Close()

	w := gocsv.DefaultCSVWriter(f)
	if err := w.Write(append(append([]string{}, metaColumns...), selection...)); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		record := r.metaValues()
		for _, name := range selection {
			meta, _ := features.Lookup(name)
			value, present := r.build.Features[name]
			record = append(record, formatCell(meta, value, present))
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return f.Close()
}

// formatCell flattens one feature value for CSV. Nulls and absent
// values render empty; lists join on their registered separator.
func formatCell(meta features.Meta, value any, present bool) string {
	if !present || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		// JSON round-trips every number as float64; integer features
		// render without a fraction.
		if meta.Type == features.TypeInteger {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []string:
		return strings.Join(v, meta.Separator)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, meta.Separator)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// jsonRow is the JSON artifact's per-build shape.
type jsonRow struct {
	BuildID          int64          `json:"build_id"`
	BuildNumber      int            `json:"build_number"`
	CommitSHA        string         `json:"commit_sha"`
	Branch           string         `json:"branch"`
	Conclusion       string         `json:"conclusion"`
	ExtractionStatus string         `json:"extraction_status"`
	RunCreatedAt     *string        `json:"run_created_at"`
	Features         map[string]any `json:"features"`
}

// writeJSON writes one object per build. The feature map carries every
// selected feature; values absent from the stored map come out as
// explicit nulls.
func writeJSON(path string, selection []string, rows []row) error {
	out := make([]jsonRow, 0, len(rows))
	for _, r := range rows {
		featureMap := make(map[string]any, len(selection))
		for _, name := range selection {
			if value, ok := r.build.Features[name]; ok {
				featureMap[name] = value
			} else {
				featureMap[name] = nil
			}
		}
		jr := jsonRow{
			BuildID:          r.run.ProviderBuildID,
			BuildNumber:      r.run.Number,
			CommitSHA:        r.run.CommitSHA,
			Branch:           r.run.Branch,
			Conclusion:       r.run.Conclusion,
			ExtractionStatus: string(r.build.ExtractionStatus),
			Features:         featureMap,
		}
		if r.run.RunCreatedAt.IsSome() {
			s := r.run.RunCreatedAt.Unwrap().UTC().Format(time.RFC3339)
			jr.RunCreatedAt = &s
		}
		out = append(out, jr)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export json: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return ferrors.ConfigError(fmt.Sprintf("write %s", path)).WithCause(err).Build()
	}
	return nil
}

// schemaRow describes one exported feature column.
type schemaRow struct {
	Name        string `csv:"name"`
	Category    string `csv:"category"`
	Type        string `csv:"type"`
	Node        string `csv:"node"`
	Nullable    bool   `csv:"nullable"`
	Separator   string `csv:"separator"`
	Description string `csv:"description"`
}

// writeSchema writes the feature dictionary for the selection.
func writeSchema(path string, selection []string) error {
	rows := make([]schemaRow, 0, len(selection))
	for _, name := range selection {
		meta, _ := features.Lookup(name)
		rows = append(rows, schemaRow{
			Name:        meta.Name,
			Category:    meta.Category,
			Type:        string(meta.Type),
			Node:        meta.Node,
			Nullable:    meta.Nullable,
			Separator:   meta.Separator,
			Description: meta.Description,
		})
	}
	f, err := os.Create(path)
	if err != nil {
		return ferrors.ConfigError(fmt.Sprintf("create %s", path)).WithCause(err).Build()
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return fmt.Errorf("write schema csv: %w", err)
	}
	return f.Close()
}

// slugify turns owner/name into a filesystem-safe directory prefix.
func slugify(fullName string) string {
	s := strings.ToLower(fullName)
	s = strings.NewReplacer("/", "-", " ", "-", "_", "-").Replace(s)
	return strings.Trim(s, "-")
}
