package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigErrorDetail is a single human readable schema violation.
type ConfigErrorDetail struct {
	Path    string // e.g. elasticsearch.port
	Code    string // missing_required | unknown_field | conflicting_values | type_mismatch | validation_error
	Message string
	Line    int
	Column  int
}

func (d ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", d.Code),
		slog.String("path", d.Path),
		slog.String("message", d.Message),
		slog.Int("line", d.Line),
		slog.Int("column", d.Column),
	)
}

func (d ConfigErrorDetail) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", d.Line, d.Column, d.Message)
	}
	return d.Message
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|invalid value`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*|mismatched types`)
)

// ConfigErrDetails splits an error returned by LoadConfig into one detail
// per position. Errors which are not CUE errors yield a single detail.
func ConfigErrDetails(err error) []ConfigErrorDetail {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return []ConfigErrorDetail{{Code: "validation_error", Message: err.Error()}}
	}

	type pos struct{ line, column int }
	seen := make(map[pos]struct{})

	var out []ConfigErrorDetail
	for _, e := range errs {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())

		detail := ConfigErrorDetail{Path: path}
		detail.Code, detail.Message = classify(raw, path)
		for _, p := range cueerrors.Positions(e) {
			if p.Filename() == "" {
				continue
			}
			detail.Line, detail.Column = p.Line(), p.Column()
			break
		}
		key := pos{detail.Line, detail.Column}
		if _, ok := seen[key]; ok && detail.Line != 0 {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, detail)
	}
	return out
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	field := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		field = path[i+1:]
	}
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", field)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", field)
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type", field)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Field %s has invalid value", field)
	default:
		return "validation_error", raw
	}
}
