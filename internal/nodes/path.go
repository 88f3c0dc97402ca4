package nodes

import (
	"fmt"
	"strings"

	"github.com/kittclouds/vaultkit/internal/apperr"
)

// normalizePath validates and canonicalizes a node path: it must be
// absolute, "/" or a chain of non-empty segments, no trailing slash.
func normalizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: path is required", apperr.ErrValidation)
	}
	if p[0] != '/' {
		return "", fmt.Errorf("%w: path %q is not absolute", apperr.ErrValidation, p)
	}
	if p == "/" {
		return p, nil
	}

	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/", nil
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == "" {
			return "", fmt.Errorf("%w: path %q has an empty segment", apperr.ErrValidation, p)
		}
	}
	return p, nil
}

// splitPath returns the parent path and leaf name. The root splits into
// ("", "/") since it has no parent.
func splitPath(p string) (parent, name string) {
	if p == "/" {
		return "", "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

// joinPath appends a leaf name to a parent path, special-casing the root so
// its children do not start with "//".
func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// validName rejects empty names and names that would introduce new path
// segments.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", apperr.ErrValidation)
	}
	if strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: name %q must not contain '/'", apperr.ErrValidation, name)
	}
	return nil
}
