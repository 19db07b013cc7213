package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ErrorCode classifies a schema violation of a script.
type ErrorCode string

const (
	CodeUnknownField ErrorCode = "unknown_field"
	CodeMissing      ErrorCode = "missing_required"
	CodeConflict     ErrorCode = "conflicting_values"
	CodeInvalid      ErrorCode = "invalid_value"
	CodeTypeMismatch ErrorCode = "type_mismatch"
	CodeOther        ErrorCode = "validation_error"
)

// CueErrorDetail is a single schema violation in a form fit for logs.
type CueErrorDetail struct {
	Path    string // steps.0.expect
	Code    ErrorCode
	Message string // field expect of step 0 has an invalid value
	Pos     CueErrorPosition
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", string(c.Code)),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// rules are tried in order, the first matching one wins.
var rules = []struct {
	re     *regexp.Regexp
	code   ErrorCode
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), CodeUnknownField, "%s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), CodeMissing, "%s is required"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), CodeConflict, "%s has conflicting values"},
	{regexp.MustCompile(`(?i)invalid value|out of bound|does not match`), CodeInvalid, "%s has an invalid value"},
	{regexp.MustCompile(`(?i)expected .* got .*`), CodeTypeMismatch, "%s has a wrong type"},
}

// CueErrDetails turns a schema validation error of LoadScript into one
// detail per reported position. Errors not coming from CUE give nothing.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var out []CueErrorDetail
	seen := make(map[CueErrorPosition]bool)
	for _, e := range cueerrors.Errors(err) {
		pos, ok := position(e)
		if !ok || seen[pos] {
			continue
		}
		seen[pos] = true

		format, args := e.Msg()
		path := scriptPath(e.Path())
		code, msg := classify(fmt.Sprintf(format, args...), path)
		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     e.Error(),
		})
	}
	return out
}

// position returns the first position in a file. Positions inside the
// embedded schema have no file name.
func position(err cueerrors.Error) (CueErrorPosition, bool) {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}, true
		}
	}
	return CueErrorPosition{}, false
}

// scriptPath drops the #Script definition from the path.
func scriptPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (ErrorCode, string) {
	for _, r := range rules {
		if r.re.MatchString(raw) {
			return r.code, fmt.Sprintf(r.format, describe(path))
		}
	}
	return CodeOther, raw
}

// describe names the element at path: "steps.1.send" is field send of
// step 1, "on.0" is handler 0.
func describe(path string) string {
	if path == "" {
		return "script"
	}
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return "field " + path
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "field " + path
	}
	var elem string
	switch parts[0] {
	case "steps":
		elem = fmt.Sprintf("step %d", n)
	case "on":
		elem = fmt.Sprintf("handler %d", n)
	default:
		elem = fmt.Sprintf("%s %d", parts[0], n)
	}
	if len(parts) == 2 {
		return elem
	}
	return fmt.Sprintf("field %s of %s", strings.Join(parts[2:], "."), elem)
}
