package work

import "strings"

// parseDepfile extracts the dependency paths from a Makefile-style
// fragment as written by gcc -MD / clang -MD:
//
//	out/a.o: src/a.c include/a.h \
//	  include/b.h
//
// Only the first rule's right-hand side is read; the phony targets gcc
// appends (one empty rule per header) are ignored. Backslash-escaped
// spaces belong to the path. Order is preserved as written, since the
// reported order feeds the edge's signature.
func parseDepfile(content string) []string {
	// Join continuation lines, then stop at the first rule's end.
	content = strings.ReplaceAll(content, "\\\r\n", " ")
	content = strings.ReplaceAll(content, "\\\n", " ")

	colon := strings.IndexByte(content, ':')
	if colon < 0 {
		return nil
	}
	rest := content[colon+1:]
	if end := strings.IndexByte(rest, '\n'); end >= 0 {
		rest = rest[:end]
	}

	var deps []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			deps = append(deps, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(rest); i++ {
		switch c := rest[i]; c {
		case ' ', '\t', '\r':
			flush()
		case '\\':
			if i+1 < len(rest) && (rest[i+1] == ' ' || rest[i+1] == '\\') {
				cur.WriteByte(rest[i+1])
				i++
			} else {
				cur.WriteByte(c)
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return deps
}
