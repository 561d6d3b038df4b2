package ci

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/buildlens/buildlens/internal/config"
)

const jenkinsBuildsPage = `{
  "builds": [
    {
      "number": 88, "url": "https://jenkins.example.com/job/widget/88/",
      "result": "SUCCESS", "building": false,
      "timestamp": 1714557600000, "duration": 300000,
      "actions": [
        {"_class": "hudson.model.CauseAction",
         "causes": [{"shortDescription": "Started by GitHub push by dev1"}]},
        {"_class": "hudson.plugins.git.util.BuildData",
         "lastBuiltRevision": {"SHA1": "abc123", "branch": [{"name": "origin/main"}]}}
      ],
      "changeSets": [
        {"items": [
          {"commitId": "abc123", "msg": "Speed up cache warmup",
           "authorEmail": "dev1@acme.io", "author": {"fullName": "Dev One"}}
        ]}
      ]
    },
    {
      "number": 87, "url": "https://jenkins.example.com/job/widget/87/",
      "result": null, "building": true,
      "timestamp": 1714557000000, "duration": 0,
      "actions": [
        {"_class": "hudson.model.CauseAction",
         "causes": [{"shortDescription": "Started by timer"}]}
      ],
      "changeSets": []
    }
  ]
}`

func newJenkinsTestProvider(t *testing.T, handler http.Handler) *JenkinsProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewJenkinsProvider(&config.ProviderConfig{
		Name:         "jenkins-test",
		Type:         config.ProviderJenkins,
		APIURL:       server.URL,
		RequestDelay: "1ms",
		Auth:         &config.AuthConfig{Type: config.AuthTypeBasic, Username: "ci", Password: "hunter2"},
	}, Dependencies{
		Logger:      testLogger(),
		BotPatterns: []string{"[bot]"},
	})
	if err != nil {
		t.Fatalf("NewJenkinsProvider() error = %v", err)
	}
	return provider
}

func TestJenkinsFetchBuilds(t *testing.T) {
	var sawAuth bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		sawAuth = ok && user == "ci" && pass == "hunter2"
		if r.URL.Path != "/job/platform/job/widget/api/json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if tree := r.URL.Query().Get("tree"); !strings.Contains(tree, "builds[") {
			t.Errorf("tree param = %q, want builds selector", tree)
		}
		_, _ = w.Write([]byte(jenkinsBuildsPage))
	})
	provider := newJenkinsTestProvider(t, handler)

	builds, err := provider.FetchBuilds(context.Background(), "platform/widget", FetchOptions{Limit: 25})
	if err != nil {
		t.Fatalf("FetchBuilds() error = %v", err)
	}
	if !sawAuth {
		t.Error("request did not carry basic auth")
	}
	if len(builds) != 2 {
		t.Fatalf("FetchBuilds() returned %d builds, want 2", len(builds))
	}

	first := builds[0]
	if first.Number != 88 || first.ProviderBuildID != 88 {
		t.Errorf("first build identity = (%d, %d)", first.ProviderBuildID, first.Number)
	}
	if first.Status != StatusCompleted || first.Conclusion != ConclusionSuccess {
		t.Errorf("first build state = (%s, %s)", first.Status, first.Conclusion)
	}
	if first.Branch != "main" {
		t.Errorf("first build branch = %s, want main (origin/ stripped)", first.Branch)
	}
	if first.CommitSHA != "abc123" || first.AuthorName != "Dev One" {
		t.Errorf("first build commit = (%s, %s)", first.CommitSHA, first.AuthorName)
	}
	if first.Event != "push" {
		t.Errorf("first build event = %s, want push", first.Event)
	}
	if first.FinishedAt.Sub(first.StartedAt).Minutes() != 5 {
		t.Errorf("first build duration = %v, want 5m", first.FinishedAt.Sub(first.StartedAt))
	}

	second := builds[1]
	if second.Status != StatusRunning {
		t.Errorf("second build status = %s, want running", second.Status)
	}
	if second.Event != "schedule" {
		t.Errorf("second build event = %s, want schedule", second.Event)
	}
	if !second.FinishedAt.IsZero() {
		t.Error("running build must not carry a finish time")
	}
}

func TestJenkinsFetchBuildsFiltersBranch(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(jenkinsBuildsPage))
	})
	provider := newJenkinsTestProvider(t, handler)

	builds, err := provider.FetchBuilds(context.Background(), "platform/widget", FetchOptions{Branch: "main"})
	if err != nil {
		t.Fatalf("FetchBuilds() error = %v", err)
	}
	if len(builds) != 1 || builds[0].Number != 88 {
		t.Fatalf("FetchBuilds() branch filter kept %d builds", len(builds))
	}
}

func TestJenkinsFetchBuildLogs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/job/platform/job/widget/88/consoleText" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte("[Pipeline] stage Build\n+ make all\nFinished: SUCCESS"))
	})
	provider := newJenkinsTestProvider(t, handler)

	logs, err := provider.FetchBuildLogs(context.Background(), "platform/widget", 88, 0)
	if err != nil {
		t.Fatalf("FetchBuildLogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("FetchBuildLogs() returned %d logs, want 1", len(logs))
	}
	if logs[0].JobName != "console" || logs[0].Path != "88/console.txt" {
		t.Errorf("log = (%s, %s)", logs[0].JobName, logs[0].Path)
	}
	if !strings.Contains(logs[0].Text, "Finished: SUCCESS") {
		t.Errorf("log text = %q", logs[0].Text)
	}
}

func TestJenkinsRotatedBuildLogs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	provider := newJenkinsTestProvider(t, handler)

	_, err := provider.FetchBuildLogs(context.Background(), "platform/widget", 12, 0)
	if !errors.Is(err, ErrLogsUnavailable) {
		t.Errorf("error = %v, want ErrLogsUnavailable", err)
	}
}

func TestJenkinsJobPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"widget", "/job/widget"},
		{"platform/widget", "/job/platform/job/widget"},
		{"/platform/widget/", "/job/platform/job/widget"},
		{"team a/svc b", "/job/team%20a/job/svc%20b"},
	}
	for _, tt := range tests {
		if got := jenkinsJobPath(tt.in); got != tt.want {
			t.Errorf("jenkinsJobPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJenkinsCauseEvent(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Started by GitHub push by dev1", "push"},
		{"Started by an SCM change", "push"},
		{"Started by timer", "schedule"},
		{"GitHub pull request #42 opened", "pull_request"},
		{"Started by user admin", "manual"},
		{"Started by upstream project platform", "upstream"},
		{"", ""},
		{"Replayed #87", "other"},
	}
	for _, tt := range tests {
		if got := jenkinsCauseEvent(tt.in); got != tt.want {
			t.Errorf("jenkinsCauseEvent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
