package features

import (
	"bufio"
	"bytes"
	"path"
	"regexp"
	"strings"
)

// fileKind buckets repository paths for churn and snapshot features.
type fileKind int

const (
	kindOther fileKind = iota
	kindSource
	kindTest
	kindDoc
)

// sourceExts covers the languages whose files count as production code.
var sourceExts = map[string]bool{
	".c": true, ".cc": true, ".cpp": true, ".cs": true, ".clj": true,
	".dart": true, ".erl": true, ".ex": true, ".exs": true, ".go": true,
	".groovy": true, ".h": true, ".hpp": true, ".hs": true, ".java": true,
	".js": true, ".jsx": true, ".kt": true, ".lua": true, ".m": true,
	".php": true, ".pl": true, ".py": true, ".rb": true, ".rs": true,
	".scala": true, ".swift": true, ".ts": true, ".tsx": true,
}

var docExts = map[string]bool{
	".adoc": true, ".asciidoc": true, ".markdown": true, ".md": true,
	".rdoc": true, ".rst": true, ".tex": true, ".txt": true,
}

// docBasenames match case-insensitively on the filename stem.
var docBasenames = []string{"readme", "license", "licence", "changelog", "contributing", "authors", "notice", "copying"}

var docDirs = map[string]bool{"doc": true, "docs": true, "man": true, "wiki": true}

var testDirs = map[string]bool{"test": true, "tests": true, "spec": true, "specs": true, "__tests__": true}

// testFilePatterns match test files by naming convention when no test
// directory gives them away.
var testFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^test_.*\.[a-z]+$`),
	regexp.MustCompile(`(?i)_test\.[a-z]+$`),
	regexp.MustCompile(`_spec\.rb$`),
	regexp.MustCompile(`(?:Test|Tests|IT)\.java$`),
	regexp.MustCompile(`\.(?:test|spec)\.[jt]sx?$`),
}

// classifyPath buckets one repository-relative path. Test markers win
// over everything else so spec/parser_spec.rb is a test, not source.
func classifyPath(p string) fileKind {
	p = strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
	base := path.Base(p)
	ext := strings.ToLower(path.Ext(base))

	for _, seg := range strings.Split(path.Dir(p), "/") {
		if testDirs[strings.ToLower(seg)] {
			return kindTest
		}
	}
	for _, re := range testFilePatterns {
		if re.MatchString(base) {
			return kindTest
		}
	}

	for _, seg := range strings.Split(path.Dir(p), "/") {
		if docDirs[strings.ToLower(seg)] {
			return kindDoc
		}
	}
	if docExts[ext] {
		return kindDoc
	}
	stem := strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
	for _, name := range docBasenames {
		if stem == name {
			return kindDoc
		}
	}

	if sourceExts[ext] {
		return kindSource
	}
	return kindOther
}

// langProfile carries per-language line patterns for counting test case
// definitions and assertion statements in a snapshot.
type langProfile struct {
	exts     map[string]bool
	testCase *regexp.Regexp
	assert   *regexp.Regexp
}

var langProfiles = []langProfile{
	{
		exts:     map[string]bool{".rb": true},
		testCase: regexp.MustCompile(`^\s*(?:def test_|it\s+["']|specify\s+["']|scenario\s+["']|test\s+["'])`),
		assert:   regexp.MustCompile(`(?:\bassert\w*|\bexpect\s*[({]|\.should\b|must_\w+)`),
	},
	{
		exts:     map[string]bool{".java": true, ".kt": true, ".scala": true, ".groovy": true},
		testCase: regexp.MustCompile(`^\s*@(?:Test|ParameterizedTest)\b|^\s*public\s+void\s+test\w*\s*\(`),
		assert:   regexp.MustCompile(`\bassert\w*\s*\(|\bAssert\.\w+|\bverify\s*\(|\bassertThat\s*\(`),
	},
	{
		exts:     map[string]bool{".py": true},
		testCase: regexp.MustCompile(`^\s*def\s+test\w*\s*\(`),
		assert:   regexp.MustCompile(`^\s*assert\b|\bself\.assert\w+\s*\(|\bpytest\.raises\s*\(`),
	},
	{
		exts:     map[string]bool{".go": true},
		testCase: regexp.MustCompile(`^func\s+(?:Test|Benchmark|Fuzz)\w*\s*\(`),
		assert:   regexp.MustCompile(`\bt\.(?:Error|Errorf|Fatal|Fatalf|Fail)\b|\b(?:assert|require)\.\w+\s*\(`),
	},
	{
		exts:     map[string]bool{".js": true, ".jsx": true, ".ts": true, ".tsx": true},
		testCase: regexp.MustCompile(`^\s*(?:it|test)(?:\.\w+)?\s*\(`),
		assert:   regexp.MustCompile(`\bexpect\s*\(|\bassert\w*\s*[.(]|\.should\b`),
	},
	{
		exts:     map[string]bool{".c": true, ".cc": true, ".cpp": true, ".h": true, ".hpp": true},
		testCase: regexp.MustCompile(`^\s*(?:TEST|TEST_F|TEST_P)\s*\(`),
		assert:   regexp.MustCompile(`\b(?:ASSERT|EXPECT)_\w+\s*\(|\bassert\s*\(`),
	},
	{
		exts:     map[string]bool{".cs": true},
		testCase: regexp.MustCompile(`^\s*\[(?:Test|Fact|Theory|TestMethod)\]`),
		assert:   regexp.MustCompile(`\bAssert\.\w+|\b\w+\.Should\(\)`),
	},
}

// profileForPath returns the language profile for a file, or nil when
// the extension has no known test conventions.
func profileForPath(p string) *langProfile {
	ext := strings.ToLower(path.Ext(p))
	for i := range langProfiles {
		if langProfiles[i].exts[ext] {
			return &langProfiles[i]
		}
	}
	return nil
}

// countLines returns non-blank lines plus, when a profile is given, the
// test cases and assertions found in content.
func countLines(content []byte, profile *langProfile) (lines, cases, asserts int) {
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines++
		if profile == nil {
			continue
		}
		if profile.testCase.MatchString(line) {
			cases++
		}
		if profile.assert.MatchString(line) {
			asserts++
		}
	}
	return lines, cases, asserts
}
