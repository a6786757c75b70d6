// Package research implements the research phase executor. It fetches a
// set of configured sources in parallel, extracts a title and snippet
// from each page, and assembles a cited report. All failure is returned
// as data: an unreachable source degrades to an offline summary rather
// than failing the phase.
package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"cepmachine/internal/logging"
)

// Result is a single research result with citation.
type Result struct {
	Query       string    `json:"query"`
	SourceURL   string    `json:"source_url"`
	SourceTitle string    `json:"source_title"`
	Snippet     string    `json:"snippet"`
	Summary     string    `json:"summary"`
	Offline     bool      `json:"offline"` // true when the source could not be reached
	Timestamp   time.Time `json:"timestamp"`
}

// Report is a complete research report over all configured sources.
type Report struct {
	Query           string        `json:"query"`
	Results         []Result      `json:"results"`
	CombinedSummary string        `json:"combined_summary"`
	CitationCount   int           `json:"citation_count"`
	Elapsed         time.Duration `json:"elapsed"`
}

// Engine fetches and summarizes sources for a query.
type Engine struct {
	client      *http.Client
	sources     []string // URL templates; %s is the escaped query
	concurrency int
	timeout     time.Duration
}

// Option customizes the engine.
type Option func(*Engine)

// WithClient injects an HTTP client (tests use httptest servers).
func WithClient(client *http.Client) Option {
	return func(e *Engine) { e.client = client }
}

// WithConcurrency bounds the number of parallel source fetches.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout bounds each source fetch.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEngine creates a research engine over the given source templates.
func NewEngine(sources []string, opts ...Option) *Engine {
	e := &Engine{
		client:      &http.Client{Timeout: 30 * time.Second},
		sources:     sources,
		concurrency: 3,
		timeout:     15 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Research fetches all sources for the query in parallel and assembles a
// report. It never returns an error for individual source failures; the
// only error paths are context cancellation and an empty source list.
func (e *Engine) Research(ctx context.Context, query string) (*Report, error) {
	if len(e.sources) == 0 {
		return nil, fmt.Errorf("no research sources configured")
	}

	start := time.Now()
	log := logging.Get(logging.CategoryResearch)
	log.Info("research start: %q across %d sources", query, len(e.sources))

	// Each goroutine writes its own slot, so no extra locking is needed.
	results := make([]Result, len(e.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, tmpl := range e.sources {
		g.Go(func() error {
			results[i] = e.fetchSource(gctx, tmpl, query)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("research interrupted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("research cancelled: %w", err)
	}

	report := &Report{
		Query:           query,
		Results:         results,
		CombinedSummary: combineSummaries(query, results),
		CitationCount:   countCitations(results),
		Elapsed:         time.Since(start),
	}

	log.Info("research done: %q citations=%d elapsed=%s",
		query, report.CitationCount, report.Elapsed)
	return report, nil
}

// ResearchForUnit runs a research pass scoped to one build unit.
func (e *Engine) ResearchForUnit(ctx context.Context, unitID int, topic string) (*Report, error) {
	query := fmt.Sprintf("best practices for %s automation", topic)
	report, err := e.Research(ctx, query)
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryResearch).Debug("unit %d research: %d citations", unitID, report.CitationCount)
	return report, nil
}

// fetchSource fetches one source and degrades to an offline result on
// any failure, including timeout.
func (e *Engine) fetchSource(ctx context.Context, tmpl, query string) Result {
	sourceURL := tmpl
	if strings.Contains(tmpl, "%s") {
		sourceURL = fmt.Sprintf(tmpl, url.QueryEscape(query))
	}

	res := Result{
		Query:     query,
		SourceURL: sourceURL,
		Timestamp: time.Now(),
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return offline(res, fmt.Sprintf("invalid source URL: %v", err))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; cep-machine/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return offline(res, fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return offline(res, fmt.Sprintf("HTTP %d from source", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20)) // 2MB cap
	if err != nil {
		return offline(res, fmt.Sprintf("read failed: %v", err))
	}

	title, snippet := extractTitleAndSnippet(string(body))
	if title == "" {
		title = sourceURL
	}
	res.SourceTitle = title
	res.Snippet = snippet
	res.Summary = summarize(query, title, snippet)
	return res
}

// offline fills a degraded result so the phase can record-and-continue.
func offline(res Result, reason string) Result {
	logging.Get(logging.CategoryResearch).Warn("source %s offline: %s", res.SourceURL, reason)
	res.Offline = true
	res.SourceTitle = "offline source"
	res.Summary = fmt.Sprintf("No live data for %q (%s); proceeding with prior knowledge.", res.Query, reason)
	return res
}

// extractTitleAndSnippet parses the page title and the first non-trivial
// paragraph out of an HTML document.
func extractTitleAndSnippet(page string) (title, snippet string) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", ""
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "p":
				if snippet == "" {
					text := strings.TrimSpace(nodeText(n))
					if len(text) > 40 {
						snippet = text
					}
				}
			case "script", "style":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if title != "" && snippet != "" {
				return
			}
			walk(c)
		}
	}
	walk(doc)

	if len(snippet) > 400 {
		snippet = truncateAtRune(snippet, 400) + "..."
	}
	return title, snippet
}

// truncateAtRune cuts s to at most max bytes without splitting a
// multi-byte rune.
func truncateAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func summarize(query, title, snippet string) string {
	if snippet == "" {
		return fmt.Sprintf("Source %q consulted for %q.", title, query)
	}
	return fmt.Sprintf("%s: %s", title, snippet)
}

func combineSummaries(query string, results []Result) string {
	var parts []string
	for _, r := range results {
		if r.Summary != "" {
			parts = append(parts, "- "+r.Summary)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("No sources yielded data for %q.", query)
	}
	return fmt.Sprintf("Research findings for %q:\n%s", query, strings.Join(parts, "\n"))
}

func countCitations(results []Result) int {
	count := 0
	for _, r := range results {
		if !r.Offline {
			count++
		}
	}
	return count
}
