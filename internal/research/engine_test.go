package research

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Profile Optimization Guide</title></head>
<body>
<script>var noise = "should never surface";</script>
<p>Hi.</p>
<p>Optimizing a business profile requires consistent posting, accurate
categories, and timely responses to customer reviews.</p>
</body>
</html>`

func TestResearch_LiveSources(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got == "" {
			t.Errorf("expected query param, got none on %s", r.URL)
		}
		fmt.Fprint(w, samplePage)
	}))
	t.Cleanup(srv.Close)

	e := NewEngine(
		[]string{srv.URL + "/search?q=%s", srv.URL + "/docs?q=%s"},
		WithClient(srv.Client()),
		WithConcurrency(2),
		WithTimeout(5*time.Second),
	)

	report, err := e.Research(context.Background(), "profile optimization")
	if err != nil {
		t.Fatalf("Research error: %v", err)
	}

	if len(report.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(report.Results))
	}
	if report.CitationCount != 2 {
		t.Errorf("CitationCount = %d, want 2", report.CitationCount)
	}
	for _, r := range report.Results {
		if r.Offline {
			t.Errorf("result for %s unexpectedly offline", r.SourceURL)
		}
		if r.SourceTitle != "Profile Optimization Guide" {
			t.Errorf("title = %q, want page title", r.SourceTitle)
		}
		if !strings.Contains(r.Snippet, "consistent posting") {
			t.Errorf("snippet should come from the first substantial paragraph, got %q", r.Snippet)
		}
		if strings.Contains(r.Snippet, "noise") {
			t.Errorf("snippet leaked script content: %q", r.Snippet)
		}
	}
	if !strings.Contains(report.CombinedSummary, "profile optimization") {
		t.Errorf("combined summary should name the query: %q", report.CombinedSummary)
	}
}

func TestResearch_OfflineDegradation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/broken") {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, samplePage)
	}))
	t.Cleanup(srv.Close)

	e := NewEngine(
		[]string{srv.URL + "/ok?q=%s", srv.URL + "/broken?q=%s"},
		WithClient(srv.Client()),
	)

	report, err := e.Research(context.Background(), "outreach sequencing")
	if err != nil {
		t.Fatalf("Research error: %v", err)
	}

	if report.CitationCount != 1 {
		t.Errorf("CitationCount = %d, want 1 (offline sources do not cite)", report.CitationCount)
	}

	var offline *Result
	for i := range report.Results {
		if report.Results[i].Offline {
			offline = &report.Results[i]
		}
	}
	if offline == nil {
		t.Fatal("expected one offline result")
	}
	if !strings.Contains(offline.Summary, "proceeding with prior knowledge") {
		t.Errorf("offline summary should degrade gracefully, got %q", offline.Summary)
	}
}

func TestResearch_AllSourcesDownStillReports(t *testing.T) {
	t.Parallel()

	e := NewEngine(
		[]string{"http://127.0.0.1:1/a?q=%s"},
		WithTimeout(200*time.Millisecond),
	)

	report, err := e.Research(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Research should not fail on unreachable sources: %v", err)
	}
	if report.CitationCount != 0 {
		t.Errorf("CitationCount = %d, want 0", report.CitationCount)
	}
	if len(report.Results) != 1 || !report.Results[0].Offline {
		t.Errorf("expected single offline result, got %+v", report.Results)
	}
}

func TestResearch_NoSourcesIsError(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil)
	if _, err := e.Research(context.Background(), "anything"); err == nil {
		t.Error("expected error with no sources configured")
	}
}

func TestResearch_Cancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, samplePage)
	}))
	t.Cleanup(srv.Close)

	e := NewEngine([]string{srv.URL + "?q=%s"}, WithClient(srv.Client()))
	if _, err := e.Research(ctx, "anything"); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestResearchForUnit_QueryShape(t *testing.T) {
	t.Parallel()

	var seenQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.Query().Get("q")
		fmt.Fprint(w, samplePage)
	}))
	t.Cleanup(srv.Close)

	e := NewEngine([]string{srv.URL + "?q=%s"}, WithClient(srv.Client()), WithConcurrency(1))
	report, err := e.ResearchForUnit(context.Background(), 2, "pitch generation")
	if err != nil {
		t.Fatalf("ResearchForUnit error: %v", err)
	}
	if report.Query != "best practices for pitch generation automation" {
		t.Errorf("query = %q", report.Query)
	}
	if seenQuery != report.Query {
		t.Errorf("server saw %q, want the unit query", seenQuery)
	}
}

func TestExtractTitleAndSnippet_SkipsShortParagraphs(t *testing.T) {
	t.Parallel()

	title, snippet := extractTitleAndSnippet(samplePage)
	if title != "Profile Optimization Guide" {
		t.Errorf("title = %q", title)
	}
	if strings.HasPrefix(snippet, "Hi.") {
		t.Errorf("short paragraph should be skipped, got %q", snippet)
	}
}

func TestExtractTitleAndSnippet_TruncatesLongSnippets(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("growth levers and channel mix ", 30)
	page := "<html><head><title>T</title></head><body><p>" + long + "</p></body></html>"

	_, snippet := extractTitleAndSnippet(page)
	if len(snippet) > 403 {
		t.Errorf("snippet length = %d, want capped at 400 plus ellipsis", len(snippet))
	}
	if !strings.HasSuffix(snippet, "...") {
		t.Errorf("long snippet should be truncated with ellipsis: %q", snippet[len(snippet)-10:])
	}
}

func TestExtractTitleAndSnippet_TruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// Each rune below is multi-byte, so a naive byte-index cut at 400
	// would land mid-rune and produce invalid UTF-8.
	long := strings.Repeat("métriques de conversion élevées ", 30)
	page := "<html><head><title>T</title></head><body><p>" + long + "</p></body></html>"

	_, snippet := extractTitleAndSnippet(page)
	if !utf8.ValidString(snippet) {
		t.Errorf("truncated snippet is not valid UTF-8: %q", snippet)
	}
	if len(snippet) > 403 {
		t.Errorf("snippet length = %d, want capped at 400 plus ellipsis", len(snippet))
	}
	if !strings.HasSuffix(snippet, "...") {
		t.Errorf("long snippet should be truncated with ellipsis: %q", snippet[len(snippet)-10:])
	}
}

func TestTruncateAtRune(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"ascii only", 5, "ascii"},
		{"short", 10, "short"},
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"日本語", 4, "日"},
		{"日本語", 8, "日本"},
	}
	for _, c := range cases {
		got := truncateAtRune(c.in, c.max)
		if got != c.want {
			t.Errorf("truncateAtRune(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncateAtRune(%q, %d) produced invalid UTF-8", c.in, c.max)
		}
	}
}
