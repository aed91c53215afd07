package agent

import "testing"

func TestWithActionFormatsArguments(t *testing.T) {
	r := Ok("mcp", "").WithAction("mcp %s", "search__find_symbol")
	if r.ActionDescription != "mcp search__find_symbol" {
		t.Errorf("ActionDescription = %q", r.ActionDescription)
	}
}

func TestWithActionKeepsPercentInArguments(t *testing.T) {
	// Tool names come from external MCP servers; a stray % must not be
	// re-interpreted as a formatting verb.
	r := Ok("mcp", "").WithAction("mcp %s", "stats__cpu%load")
	if r.ActionDescription != "mcp stats__cpu%load" {
		t.Errorf("ActionDescription = %q", r.ActionDescription)
	}
}

func TestFailCarriesFormattedError(t *testing.T) {
	r := Fail("terminal", ToolErrorExecution, "exit status %d", 127)
	if r.Success {
		t.Error("Fail should not be a success")
	}
	if r.Error != "exit status 127" {
		t.Errorf("Error = %q", r.Error)
	}
	if r.ErrorType != ToolErrorExecution {
		t.Errorf("ErrorType = %q", r.ErrorType)
	}
}
