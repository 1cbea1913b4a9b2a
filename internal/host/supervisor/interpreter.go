package supervisor

import (
	"fmt"
	"path/filepath"
	"strings"

	appErr "unithost/pkg/errors"

	"github.com/google/shlex"
)

// DefaultInterpreters maps unit extensions to the command that runs them.
var DefaultInterpreters = map[string]string{
	".py": "python3 -u",
	".sh": "sh",
	".js": "node",
}

type interpreterTable map[string][]string

func parseInterpreters(templates map[string]string) (interpreterTable, error) {
	if len(templates) == 0 {
		templates = DefaultInterpreters
	}
	table := make(interpreterTable, len(templates))
	for ext, tmpl := range templates {
		argv, err := shlex.Split(tmpl)
		if err != nil {
			return nil, fmt.Errorf("parse interpreter for %s failed: %w", ext, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("interpreter for %s is empty", ext)
		}
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		table[ext] = argv
	}
	return table, nil
}

func (t interpreterTable) command(path string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	argv, ok := t[ext]
	if !ok {
		return nil, appErr.Newf(appErr.UnsupportedUnit, "no interpreter configured for %q", ext)
	}
	out := make([]string, 0, len(argv)+1)
	out = append(out, argv...)
	return append(out, path), nil
}
