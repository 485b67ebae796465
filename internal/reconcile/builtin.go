package reconcile

import (
	"embed"
	"io/fs"
	"path"
	"strings"
)

//go:embed builtin/*.py
var builtinFS embed.FS

// Builtin is a task shipped inside the binary.
type Builtin struct {
	Name    string
	Subtype string
	Code    string
}

var builtinSubtypes = map[string]string{
	"aggregation": "numpy",
}

// Builtins returns the tasks embedded in the binary, sorted by name.
func Builtins() ([]Builtin, error) {
	files, err := fs.Glob(builtinFS, "builtin/*.py")
	if err != nil {
		return nil, err
	}
	builtins := make([]Builtin, 0, len(files))
	for _, f := range files {
		code, err := builtinFS.ReadFile(f)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(path.Base(f), ".py")
		builtins = append(builtins, Builtin{
			Name:    name,
			Subtype: builtinSubtypes[name],
			Code:    string(code),
		})
	}
	return builtins, nil
}
