package terminal

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/anvil/internal/agent"
)

// cmdPos anchors a program name to command position: start of line, or
// after a separator (; | && ||) or sudo. Without it a command merely
// mentioning "reboot" in an argument would be blocked.
const cmdPos = `(?:^|[;&|]\s*|\bsudo\s+)`

// dangerousPatterns match commands that destroy data or take down the
// host. Program names are matched at command position only; git commands
// are judged on the subcommand instead, so commit messages mentioning
// "rm -rf" pass.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(cmdPos + `rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+(/|~|\$HOME)(\s|$)`),
	regexp.MustCompile(cmdPos + `rm\s+-rf?\b`),
	regexp.MustCompile(cmdPos + `mkfs(\.\w+)?\b`),
	regexp.MustCompile(cmdPos + `dd\s+if=`),
	regexp.MustCompile(cmdPos + `shutdown\b`),
	regexp.MustCompile(cmdPos + `reboot\b`),
	regexp.MustCompile(cmdPos + `halt\b`),
	regexp.MustCompile(cmdPos + `poweroff\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(cmdPos + `chmod\s+(-R\s+)?777\s+/(\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
}

// dangerousGitSubcommands are the only git invocations the blacklist
// rejects outright.
var dangerousGitSubcommands = map[string]bool{
	"filter-branch": true,
}

// interactiveCommands matches programs that need a real terminal:
// editors, pagers, REPLs, terminal UIs, and interactive shells.
var interactiveCommands = regexp.MustCompile(`^\s*(sudo\s+)?` +
	`(vim?|nvim|nano|emacs|less|more|man|top|htop|watch|tmux|screen|` +
	`ssh|ftp|sftp|telnet|psql|mysql|sqlite3|redis-cli|mongo|` +
	`python3?|node|irb|ghci|erl|iex|bash|zsh|sh|fish)\s*$|` +
	`^\s*(sudo\s+)?(vim?|nvim|nano|emacs|less|more|man|visudo|crontab\s+-e)\s+`)

func looksInteractive(command string) bool {
	return interactiveCommands.MatchString(command)
}

// validate screens a command without running it. Git commands are
// evaluated on the git subcommand alone.
func (t *Tool) validate(command string) *agent.ToolResult {
	trimmed := strings.TrimSpace(command)

	if sub, ok := gitSubcommand(trimmed); ok {
		if dangerousGitSubcommands[sub] {
			return agent.Fail(toolName, agent.ToolErrorInvalidInput,
				"blocked dangerous command: git %s", sub)
		}
		return agent.Ok(toolName, "Command passed validation.").
			WithMeta("git_subcommand", sub)
	}

	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(trimmed) {
			return agent.Fail(toolName, agent.ToolErrorInvalidInput,
				"blocked dangerous command (matched %q)", pattern.String())
		}
	}
	return agent.Ok(toolName, "Command passed validation.")
}

// gitSubcommand extracts the subcommand from a command line starting
// with git, skipping leading -c/-C option pairs.
func gitSubcommand(command string) (string, bool) {
	fields := strings.Fields(command)
	if len(fields) == 0 || fields[0] != "git" {
		return "", false
	}
	for i := 1; i < len(fields); i++ {
		f := fields[i]
		if f == "-c" || f == "-C" {
			i++
			continue
		}
		if strings.HasPrefix(f, "-") {
			continue
		}
		return f, true
	}
	return "", true
}
