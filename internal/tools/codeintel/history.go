package codeintel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
)

// History scoring weights. Subject hits dominate; bonuses reward
// commits that match several keywords at once.
const (
	subjectWeight      = 3
	bodyWeight         = 1
	multiKeywordBonus  = 2
	coverageBonus      = 3
	defaultMaxCommits  = 10
	historyScanDepth   = "500"
	recordSeparator    = "\x01"
	fieldSeparator     = "\x00"
	historyLogFormat   = "%H" + fieldSeparator + "%an" + fieldSeparator + "%aI" + fieldSeparator + "%s" + fieldSeparator + "%b" + recordSeparator
)

// commitMatch is one scored history hit.
type commitMatch struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Subject string    `json:"subject"`
	Score   int       `json:"score"`
}

func (t *Tool) searchHistory(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	query := strings.TrimSpace(agent.StringArg(args, "query"))
	if query == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "search_history requires a 'query'")
	}
	keywords := strings.Fields(strings.ToLower(query))
	maxResults := agent.IntArg(args, "max_results", defaultMaxCommits)

	gitArgs := []string{"log", "-n", historyScanDepth, "--format=" + historyLogFormat}
	if since := agent.StringArg(args, "since"); since != "" {
		gitArgs = append(gitArgs, "--since="+since)
	}
	if author := agent.StringArg(args, "author"); author != "" {
		gitArgs = append(gitArgs, "--author="+author)
	}

	out, err := t.runner.Run(ctx, tc.WorkDir(), gitArgs...)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "git log: %v", err)
	}
	if out.ExitCode != 0 {
		detail := strings.TrimSpace(out.Stderr)
		if strings.Contains(detail, "not a git repository") {
			return agent.Fail(toolName, agent.ToolErrorNotFound, "not inside a git repository")
		}
		return agent.Fail(toolName, agent.ToolErrorExecution, "git log failed: %s", detail)
	}

	matches := scoreCommits(out.Stdout, keywords)
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	if len(matches) == 0 {
		return agent.Ok(toolName, fmt.Sprintf("No commits match %q.", query))
	}
	result := agent.Ok(toolName, "").MarshalOutput(map[string]any{
		"query":   query,
		"commits": matches,
	})
	return result.WithAction("%d commit(s) match %q", len(matches), query)
}

// scoreCommits parses NUL-delimited log records and ranks them:
// +3 per keyword present in the subject, +1 per keyword in the body,
// +2 when more than one keyword hits, +3 when at least half of the
// keywords hit. Ties go to the newer commit.
func scoreCommits(raw string, keywords []string) []commitMatch {
	var matches []commitMatch
	for _, record := range strings.Split(raw, recordSeparator) {
		record = strings.TrimLeft(record, "\n")
		fields := strings.SplitN(record, fieldSeparator, 5)
		if len(fields) < 5 {
			continue
		}
		hash, author, dateRaw, subject, body := fields[0], fields[1], fields[2], fields[3], fields[4]
		subjectLower := strings.ToLower(subject)
		bodyLower := strings.ToLower(body)

		score := 0
		hit := 0
		for _, kw := range keywords {
			matched := false
			if strings.Contains(subjectLower, kw) {
				score += subjectWeight
				matched = true
			}
			if strings.Contains(bodyLower, kw) {
				score += bodyWeight
				matched = true
			}
			if matched {
				hit++
			}
		}
		if score == 0 {
			continue
		}
		if hit > 1 {
			score += multiKeywordBonus
		}
		if len(keywords) > 0 && hit*2 >= len(keywords) {
			score += coverageBonus
		}

		date, _ := time.Parse(time.RFC3339, dateRaw)
		matches = append(matches, commitMatch{
			Hash: hash, Author: author, Date: date,
			Subject: subject, Score: score,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Date.After(matches[j].Date)
	})
	return matches
}
