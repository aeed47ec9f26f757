// Package security implements the command-execution security filter:
// the allow-listed command validator invoked before every shell tool call,
// per spec.md Component Design 4.2. The filter never executes anything —
// it only decides allow or deny, with a human-readable reason.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxCommandLength is the hard length cap; anything longer is denied
// without further inspection.
const MaxCommandLength = 10000

// allowList is the frozen set of base command names the filter ever
// permits. It is a process-wide immutable constant, never extended at
// runtime, per spec.md Design Notes ("Global mutable state").
var allowList = map[string]struct{}{
	"ls": {}, "cat": {}, "head": {}, "tail": {}, "wc": {}, "grep": {},
	"cp": {}, "mkdir": {}, "chmod": {}, "pwd": {}, "npm": {}, "node": {},
	"git": {}, "ps": {}, "lsof": {}, "sleep": {}, "pkill": {},
	"init.sh": {}, "start.sh": {}, "cd": {}, "gh": {}, "echo": {},
}

var sensitiveCommands = map[string]struct{}{
	"pkill": {}, "chmod": {}, "init.sh": {}, "start.sh": {},
}

var shellKeywords = map[string]struct{}{
	"if": {}, "then": {}, "else": {}, "elif": {}, "fi": {},
	"for": {}, "while": {}, "until": {}, "do": {}, "done": {},
	"case": {}, "esac": {}, "in": {}, "!": {}, "{": {}, "}": {},
}

var assignmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// Decision is the result of filtering one command string.
type Decision struct {
	Allow  bool
	Reason string
}

func deny(format string, args ...any) Decision {
	return Decision{Allow: false, Reason: fmt.Sprintf(format, args...)}
}

var allow = Decision{Allow: true, Reason: ""}

// Filter validates command against the hard rejection rules, the allow-list,
// and any extra per-command validation, returning an allow/deny Decision.
// cwd is the working directory the command would run in; it is only
// consulted by the init.sh/start.sh extra validation, which must confirm
// the script resolves under it.
func Filter(command string, cwd string) Decision {
	if len(command) > MaxCommandLength {
		return deny("command exceeds maximum length of %d bytes", MaxCommandLength)
	}
	if strings.ContainsRune(command, '\x00') {
		return deny("command contains a NUL byte")
	}
	if strings.Contains(command, "$(") || strings.Contains(command, "`") || strings.Contains(command, "<(") {
		return deny("command contains a forbidden command/process substitution ($(), backtick, or <())")
	}

	toks, err := tokenize(command)
	if err != nil {
		return deny("command failed to parse under POSIX shell word-splitting rules: %v", err)
	}

	segments, trailingOps := splitSegments(toks)

	type spanInSegment struct {
		span       commandSpan
		trailingOp tokenKind
		hasTrail   bool
	}
	var allSpans []spanInSegment
	for i, seg := range segments {
		spans := extractCommands(seg)
		for j, sp := range spans {
			// Only the last span of a segment directly abuts the
			// operator that follows the segment; an earlier span in a
			// piped chain is separated from it by the rest of the pipe.
			isLast := j == len(spans)-1
			allSpans = append(allSpans, spanInSegment{
				span:       sp,
				trailingOp: trailingOps[i].kind,
				hasTrail:   isLast && trailingOps[i].present,
			})
		}
	}

	if len(allSpans) == 0 {
		return deny("no command tokens found in input")
	}

	for _, entry := range allSpans {
		span := entry.span
		base := baseName(span.text)
		if _, ok := allowList[base]; !ok {
			return deny("Command '%s' is not in the allowed commands list", base)
		}

		if base == "init.sh" || base == "start.sh" {
			if entry.hasTrail && (entry.trailingOp == tokSemi || entry.trailingOp == tokAndAnd || entry.trailingOp == tokOrOr) {
				return deny("%s is followed by a dangerous character (%s)", base, operatorText(entry.trailingOp))
			}
		}

		if _, sensitive := sensitiveCommands[base]; sensitive {
			if d := validateSensitive(base, span, cwd); !d.Allow {
				return d
			}
		}
	}

	return allow
}

// operatorText renders a top-level shell operator kind for deny-reason
// text.
func operatorText(k tokenKind) string {
	switch k {
	case tokSemi:
		return ";"
	case tokAndAnd:
		return "&&"
	case tokOrOr:
		return "||"
	default:
		return ""
	}
}

// commandSpan is one identified command token within a segment, along with
// the remaining tokens of that segment (its arguments, up to the next
// pipe/amp boundary) for extra validation.
type commandSpan struct {
	text string
	args []token // argument tokens belonging to this command, words only
}

// segmentOp records the top-level operator (&&, ||, or ;) that immediately
// follows a segment, if any — the last segment has none.
type segmentOp struct {
	kind    tokenKind
	present bool
}

// splitSegments breaks the token stream into segments along &&, ||, and
// top-level ; (the tokenizer already preserved semicolons inside quotes as
// part of a word, so any tokSemi here is a real top-level separator).
// Pipes and single ampersands stay inside their segment. It also returns,
// for each segment, the operator that immediately followed it in the
// original token stream, so a sensitive command occupying the last word of
// a segment can be checked against the operator that trails it (e.g. the
// `;` in "./start.sh ; rm -rf /" is one of the characters §4.2 forbids in
// a start.sh/init.sh invocation, even though it is also a segment
// separator).
func splitSegments(toks []token) ([][]token, []segmentOp) {
	var segments [][]token
	var ops []segmentOp
	var cur []token
	for _, t := range toks {
		switch t.kind {
		case tokAndAnd, tokOrOr, tokSemi:
			segments = append(segments, cur)
			ops = append(ops, segmentOp{kind: t.kind, present: true})
			cur = nil
		default:
			cur = append(cur, t)
		}
	}
	segments = append(segments, cur)
	ops = append(ops, segmentOp{})
	return segments, ops
}

// extractCommands walks one segment and returns each command token it
// contains: the first word position, and the start of every word position
// immediately following a pipe or ampersand, after skipping variable
// assignments, shell keywords, and flags.
func extractCommands(seg []token) []commandSpan {
	var spans []commandSpan
	expecting := true
	var curArgs *[]token

	for _, t := range seg {
		if t.kind == tokPipe || t.kind == tokAmp {
			expecting = true
			curArgs = nil
			continue
		}
		if t.kind != tokWord {
			continue
		}

		if expecting {
			if assignmentPattern.MatchString(t.text) {
				continue
			}
			if _, isKeyword := shellKeywords[t.text]; isKeyword {
				continue
			}
			if strings.HasPrefix(t.text, "-") {
				continue
			}
			spans = append(spans, commandSpan{text: t.text})
			curArgs = &spans[len(spans)-1].args
			expecting = false
			continue
		}

		if curArgs != nil {
			*curArgs = append(*curArgs, t)
		}
	}

	return spans
}

// baseName reduces a command token to its last path component, the way
// spec.md 4.2 reduces "./start.sh" to "start.sh" or "/usr/bin/git" to
// "git" for allow-list matching.
func baseName(s string) string {
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
