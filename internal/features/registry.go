// Package features turns acquired resources into the feature vectors
// training builds are made of. Every feature is declared once in the
// registry table below; the extraction DAG, resource requirements, and
// export schema are all derived from it.
package features

import (
	"fmt"
	"sort"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/resources"
)

// FeatureType declares the persisted type of one feature value.
type FeatureType string

const (
	TypeInteger    FeatureType = "integer"
	TypeFloat      FeatureType = "float"
	TypeString     FeatureType = "string"
	TypeBoolean    FeatureType = "boolean"
	TypeListString FeatureType = "list_string"
)

// List separators used when list features are flattened for CSV export.
const (
	SeparatorComma = ","
	SeparatorHash  = "#"
)

// Node names. Each extractor node lives in its own file.
const (
	NodeCommitInfo = "git_commit_info"
	NodeDiff       = "git_diff_features"
	NodeSnapshot   = "repo_snapshot_features"
	NodeTeam       = "team_stats_features"
	NodeBuildLog   = "build_log_features"
	NodeDiscussion = "github_discussion_features"
	NodeRisk       = "risk_prediction_features"
)

// Feature categories group related features for selection and export.
const (
	CategoryGit      = "git"
	CategoryGitHub   = "github"
	CategoryRepo     = "repo"
	CategoryTeam     = "team"
	CategoryBuildLog = "build_log"
	CategoryRisk     = "risk"
)

// Resolution statuses for the previous-build walk.
const (
	ResolutionBuildFound      = "build_found"
	ResolutionMergeFound      = "merge_found"
	ResolutionNoPreviousBuild = "no_previous_build"
)

// Meta is one registry row: everything the pipeline knows about a
// feature. The table is the single source of truth; nodes never declare
// dependencies of their own.
type Meta struct {
	Name     string
	Category string
	Type     FeatureType

	// Node names the extractor that produces this feature.
	Node string

	// RequiresResources lists the acquired resources the producing
	// computation reads. The union over a node's features gates whether
	// the node runs at all.
	RequiresResources []string

	// RequiresFeatures lists features from other nodes this one is
	// derived from. They induce the DAG edges.
	RequiresFeatures []string

	// Nullable features emit an explicit null when their inputs are
	// legitimately absent; non-nullable features must always carry a
	// value when their node succeeds.
	Nullable bool

	// Separator joins list values in flat exports. Set only for list
	// types.
	Separator string

	// Min and Max bound numeric values when non-nil.
	Min *float64
	Max *float64

	// ValidValues enumerates allowed strings when non-empty.
	ValidValues []string

	Description string
}

func f64(v float64) *float64 { return &v }

// registry is the feature table. Order within a node is the export
// column order for that node's features.
var registry = []Meta{
	// git_commit_info: relates the built commit back through history to
	// the previous observed build.
	{Name: "git_branch", Category: CategoryGit, Type: TypeString, Node: NodeCommitInfo,
		RequiresResources: []string{resources.BuildRun},
		Description:       "branch the run was triggered on"},
	{Name: "gh_is_pr", Category: CategoryGitHub, Type: TypeBoolean, Node: NodeCommitInfo,
		RequiresResources: []string{resources.BuildRun},
		Description:       "whether the run was triggered by a pull request"},
	{Name: "gh_by_bot", Category: CategoryGitHub, Type: TypeBoolean, Node: NodeCommitInfo,
		RequiresResources: []string{resources.BuildRun},
		Description:       "whether the triggering commit author matches a bot pattern"},
	{Name: "git_all_built_commits", Category: CategoryGit, Type: TypeListString, Node: NodeCommitInfo,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun, resources.RawBuildRuns},
		Separator:         SeparatorHash,
		Description:       "commits first built by this run, newest first"},
	{Name: "git_num_all_built_commits", Category: CategoryGit, Type: TypeInteger, Node: NodeCommitInfo,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun, resources.RawBuildRuns},
		Min:               f64(0),
		Description:       "number of commits first built by this run"},
	{Name: "git_prev_built_commit", Category: CategoryGit, Type: TypeString, Node: NodeCommitInfo,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun, resources.RawBuildRuns},
		Nullable:          true,
		Description:       "nearest ancestor commit with an earlier observed build"},
	{Name: "git_prev_commit_resolution_status", Category: CategoryGit, Type: TypeString, Node: NodeCommitInfo,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun, resources.RawBuildRuns},
		ValidValues:       []string{ResolutionBuildFound, ResolutionMergeFound, ResolutionNoPreviousBuild},
		Description:       "how the previous-build walk terminated"},
	{Name: "tr_prev_build", Category: CategoryBuildLog, Type: TypeInteger, Node: NodeCommitInfo,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun, resources.RawBuildRuns},
		Nullable:          true,
		Description:       "build number of the previous build, when one was found"},

	// git_diff_features: churn between the previous built commit and
	// this one, classified by file kind.
	{Name: "git_diff_src_churn", Category: CategoryGit, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "lines changed in production source files"},
	{Name: "git_diff_test_churn", Category: CategoryGit, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "lines changed in test files"},
	{Name: "git_diff_doc_churn", Category: CategoryGit, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "lines changed in documentation files"},
	{Name: "git_diff_other_churn", Category: CategoryGit, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "lines changed in files of no recognized kind"},
	{Name: "gh_diff_files_added", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "files added by the built commits"},
	{Name: "gh_diff_files_deleted", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "files deleted by the built commits"},
	{Name: "gh_diff_files_modified", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "files modified by the built commits"},
	{Name: "gh_diff_src_files", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "production source files touched"},
	{Name: "gh_diff_doc_files", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "documentation files touched"},
	{Name: "gh_diff_other_files", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "files touched of no recognized kind"},
	{Name: "gh_diff_tests_added", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "test cases added by the built commits"},
	{Name: "gh_diff_tests_deleted", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiff,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "test cases deleted by the built commits"},

	// repo_snapshot_features: the state of the tree at the built commit.
	{Name: "gh_repo_num_commits", Category: CategoryRepo, Type: TypeInteger, Node: NodeSnapshot,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		Min:               f64(0),
		Description:       "commits reachable from the built commit"},
	{Name: "gh_repo_age_days", Category: CategoryRepo, Type: TypeInteger, Node: NodeSnapshot,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		Min:               f64(0),
		Description:       "days between the first reachable commit and this run"},
	{Name: "gh_sloc", Category: CategoryRepo, Type: TypeInteger, Node: NodeSnapshot,
		RequiresResources: []string{resources.Worktree, resources.BuildRun},
		Min:               f64(0),
		Description:       "non-blank lines across production source files"},
	{Name: "gh_test_lines_per_kloc", Category: CategoryRepo, Type: TypeFloat, Node: NodeSnapshot,
		RequiresResources: []string{resources.Worktree, resources.BuildRun},
		Min:               f64(0),
		Description:       "test lines per thousand source lines"},
	{Name: "gh_test_cases_per_kloc", Category: CategoryRepo, Type: TypeFloat, Node: NodeSnapshot,
		RequiresResources: []string{resources.Worktree, resources.BuildRun},
		Min:               f64(0),
		Description:       "test case definitions per thousand source lines"},
	{Name: "gh_asserts_cases_per_kloc", Category: CategoryRepo, Type: TypeFloat, Node: NodeSnapshot,
		RequiresResources: []string{resources.Worktree, resources.BuildRun},
		Min:               f64(0),
		Description:       "assertion statements per thousand source lines"},

	// team_stats_features: who has been active around this commit.
	{Name: "gh_team_size", Category: CategoryTeam, Type: TypeInteger, Node: NodeTeam,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun, resources.GitHubClient},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "distinct committers over the trailing window, excluding this run's commits"},
	{Name: "gh_by_core_team_member", Category: CategoryTeam, Type: TypeBoolean, Node: NodeTeam,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun, resources.GitHubClient},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Description:       "whether the run author is in the active team"},
	{Name: "gh_num_commits_on_files_touched", Category: CategoryTeam, Type: TypeInteger, Node: NodeTeam,
		RequiresResources: []string{resources.BareRepo, resources.BuildRun},
		RequiresFeatures:  []string{"git_all_built_commits"},
		Min:               f64(0),
		Description:       "recent commits touching the same files as this build"},

	// build_log_features: test outcomes parsed from job logs.
	{Name: "tr_log_num_jobs", Category: CategoryBuildLog, Type: TypeInteger, Node: NodeBuildLog,
		RequiresResources: []string{resources.BuildLogs, resources.BuildRun},
		Min:               f64(0),
		Description:       "job log streams retrieved for the run"},
	{Name: "tr_log_frameworks", Category: CategoryBuildLog, Type: TypeListString, Node: NodeBuildLog,
		RequiresResources: []string{resources.BuildLogs, resources.BuildRun},
		Separator:         SeparatorComma,
		Description:       "test frameworks detected across job logs"},
	{Name: "tr_log_bool_tests_ran", Category: CategoryBuildLog, Type: TypeBoolean, Node: NodeBuildLog,
		RequiresResources: []string{resources.BuildLogs, resources.BuildRun},
		Description:       "whether any tests ran"},
	{Name: "tr_log_bool_tests_failed", Category: CategoryBuildLog, Type: TypeBoolean, Node: NodeBuildLog,
		RequiresResources: []string{resources.BuildLogs, resources.BuildRun},
		Description:       "whether any test failed"},
	{Name: "tr_log_tests_run_sum", Category: CategoryBuildLog, Type: TypeInteger, Node: NodeBuildLog,
		RequiresResources: []string{resources.BuildLogs, resources.BuildRun},
		Min:               f64(0),
		Description:       "tests executed, summed across jobs"},
	{Name: "tr_log_tests_ok_sum", Category: CategoryBuildLog, Type: TypeInteger, Node: NodeBuildLog,
		RequiresResources: []string{resources.BuildLogs, resources.BuildRun},
		Min:               f64(0),
		Description:       "tests passed, summed across jobs"},
	{Name: "tr_log_tests_failed_sum", Category: CategoryBuildLog, Type: TypeInteger, Node: NodeBuildLog,
		RequiresResources: []string{resources.BuildLogs, resources.BuildRun},
		Min:               f64(0),
		Description:       "tests failed, summed across jobs"},
	{Name: "tr_log_tests_skipped_sum", Category: CategoryBuildLog, Type: TypeInteger, Node: NodeBuildLog,
		RequiresResources: []string{resources.BuildLogs, resources.BuildRun},
		Min:               f64(0),
		Description:       "tests skipped, summed across jobs"},
	{Name: "tr_log_tests_fail_rate", Category: CategoryBuildLog, Type: TypeFloat, Node: NodeBuildLog,
		RequiresResources: []string{resources.BuildLogs, resources.BuildRun},
		Nullable:          true,
		Min:               f64(0), Max: f64(1),
		Description: "failed fraction of executed tests, null when none ran"},
	{Name: "tr_log_testduration_sum", Category: CategoryBuildLog, Type: TypeFloat, Node: NodeBuildLog,
		RequiresResources: []string{resources.BuildLogs, resources.BuildRun},
		Min:               f64(0),
		Description:       "reported test time in seconds, summed across jobs"},

	// github_discussion_features: conversation volume around the change.
	{Name: "gh_num_issue_comments", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiscussion,
		RequiresResources: []string{resources.GitHubClient, resources.BuildRun},
		Nullable:          true,
		Min:               f64(0),
		Description:       "comments on the linked issue thread, null without a pull request"},
	{Name: "gh_num_pr_comments", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiscussion,
		RequiresResources: []string{resources.GitHubClient, resources.BuildRun},
		Nullable:          true,
		Min:               f64(0),
		Description:       "review comments on the pull request, null without one"},
	{Name: "gh_num_commit_comments", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiscussion,
		RequiresResources: []string{resources.GitHubClient, resources.BuildRun},
		Min:               f64(0),
		Description:       "comments on the built commit"},
	{Name: "gh_description_complexity", Category: CategoryGitHub, Type: TypeInteger, Node: NodeDiscussion,
		RequiresResources: []string{resources.GitHubClient, resources.BuildRun},
		Nullable:          true,
		Min:               f64(0),
		Description:       "words in the pull request title and body, null without one"},

	// risk_prediction_features: deterministic inputs for the external
	// prediction model.
	{Name: "risk_recent_failure_rate", Category: CategoryRisk, Type: TypeFloat, Node: NodeRisk,
		RequiresResources: []string{resources.RawBuildRuns, resources.BuildRun},
		Nullable:          true,
		Min:               f64(0), Max: f64(1),
		Description: "failed fraction of the most recent completed runs"},
	{Name: "risk_churn_score", Category: CategoryRisk, Type: TypeFloat, Node: NodeRisk,
		RequiresResources: []string{resources.BuildRun},
		RequiresFeatures:  []string{"git_diff_src_churn", "git_diff_test_churn"},
		Nullable:          true,
		Min:               f64(0), Max: f64(1),
		Description: "normalized size of the change under test"},
	{Name: "risk_score", Category: CategoryRisk, Type: TypeFloat, Node: NodeRisk,
		RequiresResources: []string{resources.RawBuildRuns, resources.BuildRun},
		RequiresFeatures:  []string{"git_diff_src_churn", "git_diff_test_churn"},
		Nullable:          true,
		Min:               f64(0), Max: f64(1),
		Description: "blended failure-risk heuristic"},
}

// metaByName indexes the table once at startup.
var metaByName = func() map[string]Meta {
	m := make(map[string]Meta, len(registry))
	for _, meta := range registry {
		m[meta.Name] = meta
	}
	return m
}()

// Lookup returns the registry row for a feature name.
func Lookup(name string) (Meta, bool) {
	m, ok := metaByName[name]
	return m, ok
}

// All returns every registry row in table order.
func All() []Meta {
	out := make([]Meta, len(registry))
	copy(out, registry)
	return out
}

// Names returns every feature name in table order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for _, m := range registry {
		out = append(out, m.Name)
	}
	return out
}

// ByNode returns the features a node produces, in table order.
func ByNode(node string) []Meta {
	var out []Meta
	for _, m := range registry {
		if m.Node == node {
			out = append(out, m)
		}
	}
	return out
}

// NodeNames returns every node named by the table, sorted.
func NodeNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range registry {
		if !seen[m.Node] {
			seen[m.Node] = true
			out = append(out, m.Node)
		}
	}
	sort.Strings(out)
	return out
}

// ValidateRegistry checks the table's internal consistency. It runs at
// node-set construction so a broken table fails startup, not the first
// extraction.
func ValidateRegistry() error {
	seen := make(map[string]bool, len(registry))
	for _, m := range registry {
		if m.Name == "" {
			return ferrors.ValidationError("feature with empty name in registry").Build()
		}
		if seen[m.Name] {
			return ferrors.ValidationError(fmt.Sprintf("duplicate feature %q in registry", m.Name)).Build()
		}
		seen[m.Name] = true
		if m.Node == "" {
			return ferrors.ValidationError(fmt.Sprintf("feature %q has no producing node", m.Name)).Build()
		}
		if m.Separator != "" && m.Type != TypeListString {
			return ferrors.ValidationError(fmt.Sprintf("feature %q sets a separator but is not a list", m.Name)).Build()
		}
		if m.Type == TypeListString && m.Separator == "" {
			return ferrors.ValidationError(fmt.Sprintf("list feature %q needs a separator", m.Name)).Build()
		}
		for _, r := range m.RequiresResources {
			if !resources.Known(r) {
				return ferrors.ValidationError(fmt.Sprintf("feature %q requires unknown resource %q", m.Name, r)).Build()
			}
		}
	}
	// Cross-feature references can only be validated once every name is
	// known.
	for _, m := range registry {
		for _, dep := range m.RequiresFeatures {
			depMeta, ok := metaByName[dep]
			if !ok {
				return ferrors.ValidationError(fmt.Sprintf("feature %q requires unknown feature %q", m.Name, dep)).Build()
			}
			if depMeta.Node == m.Node {
				return ferrors.ValidationError(fmt.Sprintf("feature %q depends on %q from its own node", m.Name, dep)).Build()
			}
		}
	}
	return nil
}
