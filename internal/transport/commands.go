package transport

import (
	"strings"

	"github.com/vaheed/HER-Ai/internal/errkind"
)

// CommandKind is the closed admin command enumeration.
type CommandKind string

const (
	CmdStatus          CommandKind = "status"
	CmdScheduleList    CommandKind = "schedule_list"
	CmdScheduleRun     CommandKind = "schedule_run"
	CmdScheduleAdd     CommandKind = "schedule_add"
	CmdScheduleSet     CommandKind = "schedule_set"
	CmdScheduleEnable  CommandKind = "schedule_enable"
	CmdScheduleDisable CommandKind = "schedule_disable"
	CmdMCP             CommandKind = "mcp"
	CmdMemories        CommandKind = "memories"
	CmdPersonality     CommandKind = "personality"
	CmdReset           CommandKind = "reset"
	CmdExample         CommandKind = "example"
)

// Command is one parsed admin command. Options stay typed at this
// boundary; nothing downstream sees raw text.
type Command struct {
	Kind CommandKind
	// TaskID is set for schedule run/set/enable/disable and carries the
	// new task id for add.
	TaskID string
	// Words are the positional arguments after the task id.
	Words []string
	// Options are the key=value arguments; values may be single-quoted.
	Options map[string]string
}

// ParseCommand parses an admin command. ok is false when text is not a
// command at all; a malformed command returns an error.
func ParseCommand(text string) (Command, bool, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, false, nil
	}
	tokens := tokenize(trimmed)
	if len(tokens) == 0 {
		return Command{}, false, nil
	}

	name := strings.ToLower(strings.TrimPrefix(tokens[0], "/"))
	rest := tokens[1:]
	switch name {
	case "status":
		return Command{Kind: CmdStatus}, true, nil
	case "mcp":
		return Command{Kind: CmdMCP}, true, nil
	case "memories":
		return Command{Kind: CmdMemories}, true, nil
	case "personality":
		return Command{Kind: CmdPersonality}, true, nil
	case "reset":
		return Command{Kind: CmdReset}, true, nil
	case "example":
		return Command{Kind: CmdExample}, true, nil
	case "schedule":
		return parseSchedule(rest)
	default:
		return Command{}, true, errkind.Newf(errkind.KindDomain, "I don't know that command.", "unknown command %q", name)
	}
}

func parseSchedule(tokens []string) (Command, bool, error) {
	if len(tokens) == 0 {
		return Command{}, true, errkind.Newf(errkind.KindDomain, "Usage: /schedule list|run|add|set|enable|disable", "schedule without subcommand")
	}
	sub := strings.ToLower(tokens[0])
	rest := tokens[1:]

	var kind CommandKind
	needsID := true
	switch sub {
	case "list":
		kind, needsID = CmdScheduleList, false
	case "run":
		kind = CmdScheduleRun
	case "add":
		kind = CmdScheduleAdd
	case "set":
		kind = CmdScheduleSet
	case "enable":
		kind = CmdScheduleEnable
	case "disable":
		kind = CmdScheduleDisable
	default:
		return Command{}, true, errkind.Newf(errkind.KindDomain, "Usage: /schedule list|run|add|set|enable|disable", "unknown schedule subcommand %q", sub)
	}

	cmd := Command{Kind: kind, Options: map[string]string{}}
	if needsID {
		if len(rest) == 0 {
			return Command{}, true, errkind.Newf(errkind.KindDomain, "That command needs a task id.", "schedule %s without task id", sub)
		}
		cmd.TaskID = rest[0]
		rest = rest[1:]
	}
	for _, token := range rest {
		if key, value, found := strings.Cut(token, "="); found {
			cmd.Options[strings.ToLower(key)] = value
			continue
		}
		cmd.Words = append(cmd.Words, token)
	}
	return cmd, true, nil
}

// tokenize splits on whitespace while keeping single-quoted spans
// intact, so message='drink water' stays one token.
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	for _, r := range text {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t'):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
