package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
)

func testTool() *Tool {
	t := New()
	t.allowPrivate = true
	return t
}

func run(t *testing.T, tool *Tool, args map[string]any) *agent.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), nil, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestFetchURLExtractsReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Release Notes</title>
<meta name="description" content="What changed in 2.0"></head>
<body><nav>skip me</nav><main><p>The broker protocol is now length-prefixed.</p>
<p>` + strings.Repeat("Sessions persist atomically. ", 10) + `</p></main></body></html>`))
	}))
	defer srv.Close()

	res := run(t, testTool(), map[string]any{"operation": "fetch_url", "url": srv.URL})
	if !res.Success {
		t.Fatalf("fetch failed: %s", res.Error)
	}
	for _, want := range []string{"Title: Release Notes", "Description: What changed in 2.0", "length-prefixed"} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("output missing %q:\n%s", want, res.Output)
		}
	}
	if strings.Contains(res.Output, "skip me") {
		t.Error("nav content survived extraction")
	}
}

func TestFetchURLTruncatesLargePages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", maxExtractChars+5000)))
	}))
	defer srv.Close()

	res := run(t, testTool(), map[string]any{"operation": "fetch_url", "url": srv.URL})
	if !res.Success {
		t.Fatalf("fetch failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "[content truncated]") {
		t.Error("no truncation marker")
	}
	if got := res.Metadata["truncated"]; got != true {
		t.Errorf("truncated meta = %v", got)
	}
}

func TestFetchURLTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	defer srv.Close()

	res := run(t, testTool(), map[string]any{
		"operation": "fetch_url", "url": srv.URL, "timeout": 1,
	})
	if res.Success || res.ErrorType != agent.ToolErrorTimeout {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestFetchURLStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	res := run(t, testTool(), map[string]any{"operation": "fetch_url", "url": srv.URL})
	if res.Success || res.ErrorType != agent.ToolErrorNotFound {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestFetchURLRejectsBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0x7f, 0x45, 0x4c, 0x46})
	}))
	defer srv.Close()

	res := run(t, testTool(), map[string]any{"operation": "fetch_url", "url": srv.URL})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestFetchURLRefusesPrivateAddresses(t *testing.T) {
	tool := New() // SSRF guard active

	for _, target := range []string{
		"http://localhost:8080/admin",
		"ftp://example.com/file",
		"http://127.0.0.1/metrics",
	} {
		res := run(t, tool, map[string]any{"operation": "fetch_url", "url": target})
		if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
			t.Errorf("%s: success=%v type=%s", target, res.Success, res.ErrorType)
		}
	}
}

const ddgPage = `<html><body>
<div class="result">
  <a class="result__a" href="/l/?uddg=https%3A%2F%2Fgo.dev%2Fblog%2Fcontext&amp;rut=abc">Go Concurrency Patterns: <b>Context</b></a>
  <a class="result__snippet" href="#">How to use the context package.</a>
</div>
<div class="result">
  <a class="result__a" href="https://pkg.go.dev/context">context package</a>
  <a class="result__snippet" href="#">Package context defines the Context type.</a>
</div>
</body></html>`

func TestSearchWebParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.FormValue("q") != "go context" {
			t.Errorf("unexpected request: %s q=%q", r.Method, r.FormValue("q"))
		}
		w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	tool := testTool()
	tool.searchURL = srv.URL
	res := run(t, tool, map[string]any{"operation": "search_web", "query": "go context"})
	if !res.Success {
		t.Fatalf("search failed: %s", res.Error)
	}
	for _, want := range []string{
		"https://go.dev/blog/context", // redirect layer unwrapped
		"Go Concurrency Patterns: Context",
		"https://pkg.go.dev/context",
		"Package context defines",
	} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("output missing %q:\n%s", want, res.Output)
		}
	}
}

func TestSearchWebMaxResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	tool := testTool()
	tool.searchURL = srv.URL
	res := run(t, tool, map[string]any{"operation": "search_web", "query": "go", "max_results": 1})
	if strings.Contains(res.Output, "pkg.go.dev") {
		t.Errorf("max_results ignored:\n%s", res.Output)
	}
}

func TestSearchWebSurfacesCaptcha(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><div class="anomaly-modal">Please verify you are human</div></body></html>`))
	}))
	defer srv.Close()

	tool := testTool()
	tool.searchURL = srv.URL
	res := run(t, tool, map[string]any{"operation": "search_web", "query": "anything"})
	if res.Success || res.ErrorType != agent.ToolErrorRateLimit {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
	if !strings.Contains(res.Error, "CAPTCHA") {
		t.Errorf("error = %s", res.Error)
	}
}

func TestExtractReadablePrefersMainContainer(t *testing.T) {
	html := `<html><body>
<header>site chrome</header>
<main><p>` + strings.Repeat("Real content here. ", 20) + `</p></main>
<footer>copyright</footer></body></html>`
	text := extractReadable(html)
	if !strings.Contains(text, "Real content here.") {
		t.Errorf("main content missing: %q", text)
	}
	if strings.Contains(text, "site chrome") || strings.Contains(text, "copyright") {
		t.Errorf("chrome survived: %q", text)
	}
}

func TestCleanTextEntitiesAndWhitespace(t *testing.T) {
	got := cleanText("a &amp;   b\n\n\n\n&lt;tag&gt;")
	want := "a & b\n\n<tag>"
	if got != want {
		t.Errorf("cleanText = %q, want %q", got, want)
	}
}

func TestDecodeResultURL(t *testing.T) {
	if got := decodeResultURL("/l/?uddg=https%3A%2F%2Fexample.com%2Fa&amp;rut=x"); got != "https://example.com/a" {
		t.Errorf("redirect unwrap = %q", got)
	}
	if got := decodeResultURL("https://direct.example.com/p"); got != "https://direct.example.com/p" {
		t.Errorf("direct = %q", got)
	}
}
