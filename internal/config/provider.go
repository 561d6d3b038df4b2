package config

import "strings"

// ProviderType enumerates supported CI providers.
type ProviderType string

const (
	ProviderGitHub   ProviderType = "github"
	ProviderGitLab   ProviderType = "gitlab"
	ProviderJenkins  ProviderType = "jenkins"
	ProviderCircleCI ProviderType = "circleci"
	ProviderTravis   ProviderType = "travis"
)

// NormalizeProviderType canonicalizes a provider type string (case-insensitive) or returns empty if unknown.
func NormalizeProviderType(raw string) ProviderType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ProviderGitHub), "github_actions", "github-actions":
		return ProviderGitHub
	case string(ProviderGitLab), "gitlab_ci", "gitlab-ci":
		return ProviderGitLab
	case string(ProviderJenkins):
		return ProviderJenkins
	case string(ProviderCircleCI), "circle-ci", "circle_ci":
		return ProviderCircleCI
	case string(ProviderTravis), "travis_ci", "travis-ci", "travisci":
		return ProviderTravis
	default:
		return ""
	}
}

// KnownProviderTypes returns all supported provider types in stable order.
func KnownProviderTypes() []ProviderType {
	return []ProviderType{ProviderGitHub, ProviderGitLab, ProviderJenkins, ProviderCircleCI, ProviderTravis}
}
