package security

import (
	"path/filepath"
	"regexp"
	"strings"
)

var chmodModePattern = regexp.MustCompile(`^[ugoa]*\+x$`)

var startArgAllowList = map[string]struct{}{
	"dev": {}, "prod": {}, "restart-dev": {}, "stop": {}, "check": {},
	"typecheck": {}, "lint": {}, "lint-fix": {}, "build": {}, "clean": {},
	"install": {}, "setup": {}, "test": {},
}

const forbiddenScriptArgChars = ";&|`$()<>\n\r\\"

// validateSensitive applies the extra per-command validation spec.md 4.2
// requires for pkill, chmod, init.sh, and start.sh, scoped to the segment
// containing that command.
func validateSensitive(base string, span commandSpan, cwd string) Decision {
	switch base {
	case "pkill":
		return validatePkill(span)
	case "chmod":
		return validateChmod(span)
	case "init.sh", "start.sh":
		return validateScript(base, span, cwd)
	default:
		return allow
	}
}

func validatePkill(span commandSpan) Decision {
	var target string
	found := false
	for _, a := range span.args {
		if strings.HasPrefix(a.text, "-") {
			continue
		}
		target = a.text
		found = true
		break
	}
	if !found {
		return deny("pkill requires a target process name")
	}

	if idx := strings.IndexByte(target, ' '); idx >= 0 {
		target = target[:idx]
	}

	switch target {
	case "node", "npm", "npx", "vite", "next":
		return allow
	default:
		return deny("pkill target '%s' is not in the allowed process list", target)
	}
}

func validateChmod(span commandSpan) Decision {
	var nonFlags []string
	for _, a := range span.args {
		if strings.HasPrefix(a.text, "-") {
			return deny("chmod flags are not permitted")
		}
		nonFlags = append(nonFlags, a.text)
	}

	if len(nonFlags) < 2 {
		return deny("chmod requires exactly one mode and at least one file argument")
	}

	mode := nonFlags[0]
	files := nonFlags[1:]
	if !chmodModePattern.MatchString(mode) {
		return deny("chmod mode '%s' is not of the form [ugoa]*+x", mode)
	}
	if len(files) == 0 {
		return deny("chmod requires at least one file argument")
	}

	return allow
}

func validateScript(base string, span commandSpan, cwd string) Decision {
	expected := "./" + base
	if span.text != expected {
		return deny("%s must be invoked as exactly %q", base, expected)
	}

	resolved := filepath.Join(cwd, base)
	absCwd, err := filepath.Abs(cwd)
	if err != nil {
		return deny("could not resolve working directory: %v", err)
	}
	absResolved, err := filepath.Abs(resolved)
	if err != nil {
		return deny("could not resolve %s path: %v", base, err)
	}
	if real, err := filepath.EvalSymlinks(absResolved); err == nil {
		absResolved = real
	}
	if realCwd, err := filepath.EvalSymlinks(absCwd); err == nil {
		absCwd = realCwd
	}
	if absResolved != filepath.Join(absCwd, base) && !isUnder(absResolved, absCwd) {
		return deny("%s resolves outside the working directory", base)
	}

	if len(span.args) > 50 {
		return deny("%s has more than 50 arguments", base)
	}
	for _, a := range span.args {
		if len(a.text) > 1000 {
			return deny("%s argument exceeds 1000 bytes", base)
		}
		if strings.ContainsAny(a.text, forbiddenScriptArgChars) {
			return deny("%s argument contains a forbidden character", base)
		}
		if strings.Contains(a.text, "../") || strings.Contains(a.text, "/..") {
			return deny("%s argument contains a path traversal sequence", base)
		}
	}

	if base == "start.sh" && len(span.args) > 0 {
		first := span.args[0].text
		if _, ok := startArgAllowList[first]; !ok {
			return deny("start.sh argument '%s' is not in the allowed action list", first)
		}
	}

	return allow
}

func isUnder(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
