package common

import (
	"strings"
)

// PathSegments splits an absolute path into its directory components and the
// final name, e.g. "/a/b/c" -> (["", "a", "b"], "c").
func PathSegments(p string) ([]string, string) {
	if p == "/" {
		return []string{""}, ""
	}
	if len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	tokens := strings.Split(p, "/")
	return tokens[:len(tokens)-1], tokens[len(tokens)-1]
}
