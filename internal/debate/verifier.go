package debate

import (
	"regexp"
	"strconv"
	"strings"
)

type verdictKind string

const (
	verdictApprove verdictKind = "approve"
	verdictRevise  verdictKind = "revise"
	verdictReject  verdictKind = "reject"
)

type verdict struct {
	result  verdictKind
	reasons []string
}

var (
	absolutePathRe = regexp.MustCompile(`(?:^|[\s='"])(/[A-Za-z0-9._][A-Za-z0-9._/-]*)`)
	// Shell metacharacters checked outside single/double quotes.
	shellMetaRe = regexp.MustCompile("[;&|`<>]|\\$\\(")
	evalWordRe  = regexp.MustCompile(`(?i)\beval\b`)
)

// verify checks plan shape and the deny-list. Deny-list hits reject
// outright; recoverable shape problems (unknown tools, malformed
// steps) ask for one revision.
func (d *Dispatcher) verify(plan Plan) verdict {
	var rejects, revisions []string
	for i, step := range plan.Steps {
		switch step.Type {
		case "reply", "done":
			continue
		case "tool_call":
			if step.Server == "" || step.Tool == "" {
				revisions = append(revisions, stepReason(i, "tool_call missing server or tool"))
				continue
			}
			if d.caps != nil && !d.caps.Has(step.Server, step.Tool) {
				revisions = append(revisions, stepReason(i, "tool "+step.Server+":"+step.Tool+" is not available"))
			}
			for _, value := range stringValues(step.Args) {
				if reason, hit := denyListed(value); hit {
					rejects = append(rejects, reason)
				}
			}
		default:
			revisions = append(revisions, stepReason(i, "unknown step type "+step.Type))
		}
	}
	if len(rejects) > 0 {
		return verdict{result: verdictReject, reasons: rejects}
	}
	if len(revisions) > 0 {
		return verdict{result: verdictRevise, reasons: revisions}
	}
	return verdict{result: verdictApprove}
}

// denyListed checks one argument string against the deny-list.
func denyListed(value string) (string, bool) {
	if strings.Contains(value, "rm -rf") {
		return "denylist:rm -rf", true
	}
	if evalWordRe.MatchString(value) {
		return "denylist:eval", true
	}
	if shellMetaRe.MatchString(stripQuoted(value)) {
		return "denylist:shell_metacharacters", true
	}
	for _, m := range absolutePathRe.FindAllStringSubmatch(value, -1) {
		path := m[1]
		if !strings.HasPrefix(path, "/workspace") {
			return "denylist:absolute_path " + path, true
		}
	}
	return "", false
}

// hasAbsolutePathOutsideWorkspace reports whether value contains an
// absolute path that is not under /workspace.
func hasAbsolutePathOutsideWorkspace(value string) bool {
	for _, m := range absolutePathRe.FindAllStringSubmatch(value, -1) {
		if !strings.HasPrefix(m[1], "/workspace") {
			return true
		}
	}
	return false
}

// stripQuoted removes single- and double-quoted regions so quoted
// arguments may carry metacharacters.
func stripQuoted(value string) string {
	var b strings.Builder
	var quote rune
	for _, r := range value {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stepReason(i int, reason string) string {
	return "step " + strconv.Itoa(i+1) + ": " + reason
}
