package telemetry

import (
	"strings"
	"unicode"
)

// Identity is a test id decomposed into its reporting parts.
type Identity struct {
	ID     string
	Name   string
	Class  string
	Module string
	File   string
}

var goTestPrefixes = []string{"Test", "Benchmark", "Example", "Fuzz"}

// ParseIdentity decomposes a test id. Recognized forms:
//
//	path/to/test_file.py::Class::test_name
//	package.module.Class.test_name
//	example.com/mod/pkg.TestName/subtest
//
// Anything else is used verbatim as the name.
func ParseIdentity(id string) Identity {
	out := Identity{ID: id, Name: id}

	switch {
	case strings.Contains(id, "::"):
		parts := strings.Split(id, "::")
		out.File = parts[0]
		out.Module = strings.ReplaceAll(strings.TrimSuffix(parts[0], ".py"), "/", ".")
		out.Name = parts[len(parts)-1]

		if len(parts) > 2 {
			out.Class = strings.Join(parts[1:len(parts)-1], ".")
		}

	case goTestSplit(id) > 0:
		idx := goTestSplit(id)
		out.Module = id[:idx]

		test := id[idx+1:]
		if parent, sub, ok := strings.Cut(test, "/"); ok {
			out.Class = parent
			out.Name = sub
		} else {
			out.Name = test
		}

	case !strings.ContainsAny(id, "/ ") && strings.Count(id, ".") >= 2:
		parts := strings.Split(id, ".")
		out.Name = parts[len(parts)-1]
		out.Class = parts[len(parts)-2]
		out.Module = strings.Join(parts[:len(parts)-2], ".")
		out.File = strings.ReplaceAll(out.Module, ".", "/") + ".py"
	}

	return out
}

// goTestSplit returns the index of the dot separating a Go package path from
// its top-level test function, or -1. The function name runs to the first
// slash and never contains a dot.
func goTestSplit(id string) int {
	for from := 0; from < len(id); {
		i := strings.IndexByte(id[from:], '.')
		if i < 0 {
			return -1
		}

		i += from
		from = i + 1

		fn, _, _ := strings.Cut(id[i+1:], "/")
		if i == 0 || strings.Contains(fn, ".") {
			continue
		}

		for _, prefix := range goTestPrefixes {
			rest, ok := strings.CutPrefix(fn, prefix)
			if !ok {
				continue
			}

			if rest == "" || !unicode.IsLower(rune(rest[0])) {
				return i
			}
		}
	}

	return -1
}
