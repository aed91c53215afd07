package web

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Readability-style text extraction: strip chrome tags, prefer the main
// content container, fall back to the whole body, then collapse to text.

var (
	chromeTags = []string{"script", "style", "noscript", "iframe", "nav", "header", "footer", "aside"}

	titleTag   = regexp.MustCompile(`(?i)<title[^>]*>(.*?)</title>`)
	ogTitle    = regexp.MustCompile(`(?i)<meta[^>]*property=["']og:title["'][^>]*content=["']([^"']*)["']`)
	h1Tag      = regexp.MustCompile(`(?i)<h1[^>]*>(.*?)</h1>`)
	metaDesc   = regexp.MustCompile(`(?i)<meta[^>]*name=["']description["'][^>]*content=["']([^"']*)["']`)
	bodyTag    = regexp.MustCompile(`(?is)<body[^>]*>(.*?)</body>`)
	anyTag     = regexp.MustCompile(`<[^>]*>`)
	innerSpace = regexp.MustCompile(`[^\S\n]+`)
	blankRuns  = regexp.MustCompile(`\n{3,}`)

	contentContainers = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<main[^>]*>(.*?)</main>`),
		regexp.MustCompile(`(?is)<article[^>]*>(.*?)</article>`),
		regexp.MustCompile(`(?is)<div[^>]*class=["'][^"']*content[^"']*["'][^>]*>(.*?)</div>`),
		regexp.MustCompile(`(?is)<div[^>]*id=["'](?:content|main)["'][^>]*>(.*?)</div>`),
		regexp.MustCompile(`(?is)<div[^>]*role=["']main["'][^>]*>(.*?)</div>`),
	}

	blockTags = regexp.MustCompile(`(?i)</?(?:p|div|h[1-6]|li|br|tr)[^>]*>`)
)

// minContainerText is how much text a content container must yield
// before it wins over the body fallback.
const minContainerText = 200

// extractReadable turns an HTML page into title/description/body text.
func extractReadable(html string) string {
	for _, tag := range chromeTags {
		re := regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
		html = re.ReplaceAllString(html, "")
	}

	title := firstSubmatch(html, titleTag, ogTitle, h1Tag)
	description := firstSubmatch(html, metaDesc)

	content := ""
	for _, re := range contentContainers {
		if m := re.FindStringSubmatch(html); len(m) > 1 {
			text := htmlToText(m[1])
			if len(strings.TrimSpace(text)) > minContainerText {
				content = text
				break
			}
		}
	}
	if content == "" {
		if m := bodyTag.FindStringSubmatch(html); len(m) > 1 {
			content = htmlToText(m[1])
		} else {
			content = htmlToText(html)
		}
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "Title: %s\n\n", cleanText(title))
	}
	if description != "" {
		fmt.Fprintf(&b, "Description: %s\n\n", cleanText(description))
	}
	b.WriteString(cleanText(content))
	return strings.TrimSpace(b.String())
}

func firstSubmatch(html string, patterns ...*regexp.Regexp) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(html); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

// htmlToText drops tags, turning block-element boundaries into newlines
// so paragraph structure survives.
func htmlToText(html string) string {
	html = blockTags.ReplaceAllString(html, "\n")
	return anyTag.ReplaceAllString(html, "")
}

var htmlEntities = strings.NewReplacer(
	"&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">",
	"&quot;", `"`, "&#39;", "'", "&apos;", "'",
)

func cleanText(text string) string {
	text = htmlEntities.Replace(text)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(innerSpace.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// validateURL rejects non-HTTP schemes and hosts that resolve to
// private or reserved addresses, so the model cannot probe localhost or
// the cloud metadata endpoint through this tool.
func validateURL(rawURL string, allowPrivate bool) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL has no hostname")
	}
	if allowPrivate {
		return nil
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("localhost URLs are not allowed")
	}
	ips, err := net.LookupIP(hostname)
	if err != nil {
		// Unresolvable here may still resolve through a proxy.
		return nil
	}
	for _, ip := range ips {
		if isPrivateOrReservedIP(ip) {
			return fmt.Errorf("URL resolves to a private or reserved address")
		}
	}
	return nil
}

func isPrivateOrReservedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast()
}
