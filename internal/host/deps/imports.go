package deps

import (
	"bufio"
	"bytes"
	"sort"
	"strings"
)

// DefaultBuiltins are top-level modules never installed with pip.
var DefaultBuiltins = []string{
	"os", "sys", "json", "datetime", "time", "logging", "threading", "math", "random",
	"flask", "werkzeug",
	"re", "io", "csv", "abc", "ast", "base64", "collections", "contextlib", "copy",
	"functools", "glob", "hashlib", "heapq", "hmac", "http", "importlib", "inspect",
	"itertools", "pathlib", "pickle", "platform", "queue", "shutil", "signal", "socket",
	"sqlite3", "string", "struct", "subprocess", "tempfile", "traceback", "typing",
	"unittest", "urllib", "uuid", "warnings", "asyncio", "concurrent", "dataclasses",
	"decimal", "enum", "fractions", "secrets", "statistics", "textwrap", "zipfile",
	"__future__",
}

// Imports returns the distinct top-level modules imported by Python source.
func Imports(src []byte) []string {
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(src))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "import "):
			for _, part := range strings.Split(strings.TrimPrefix(line, "import "), ",") {
				fields := strings.Fields(part)
				if len(fields) > 0 {
					addModule(seen, fields[0])
				}
			}
		case strings.HasPrefix(line, "from "):
			fields := strings.Fields(line)
			if len(fields) > 1 && !strings.HasPrefix(fields[1], ".") {
				addModule(seen, fields[1])
			}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func addModule(seen map[string]struct{}, dotted string) {
	top := strings.SplitN(dotted, ".", 2)[0]
	top = strings.TrimRight(top, ";")
	if top != "" {
		seen[top] = struct{}{}
	}
}

// BaseName strips version specifiers and extras from a requirement.
func BaseName(requirement string) string {
	name := requirement
	if i := strings.IndexAny(name, "=<>!~[;@ "); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(strings.TrimSpace(name))
}
