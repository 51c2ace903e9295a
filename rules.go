package dylibfix

import (
	"fmt"
	"path"
	"strings"
)

// DefaultToken is the runtime search path token used for rewritten references.
const DefaultToken = "@rpath"

// Rule rewrites a dependency installed under an absolute Prefix into a search path reference.
type Rule struct {
	Prefix  string // absolute directory, ending with a slash
	Library string // versioned base name, e.g. libwsutil.17.dylib
}

// Source is the absolute reference the rule replaces.
func (r Rule) Source() string {
	return r.Prefix + r.Library
}

// Target is the relocatable reference for token, e.g. @rpath/libwsutil.17.dylib.
func (r Rule) Target(token string) string {
	return token + "/" + r.Library
}

// Match reports whether dep lives under the rule prefix and carries the rule library name.
func (r Rule) Match(dep string) bool {
	return strings.HasPrefix(dep, r.Prefix) && path.Base(dep) == r.Library
}

func (r Rule) String() string {
	return r.Source() + " -> " + r.Target(DefaultToken)
}

// stem is the library name without any version or extension: libglib-2.0.0.dylib is libglib-2.
func stem(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

// ParseRule builds a rule from the absolute path of a dependency, e.g. /opt/homebrew/opt/glib/lib/libglib-2.0.0.dylib.
func ParseRule(s string) (r Rule, err error) {
	if !path.IsAbs(s) || strings.HasSuffix(s, "/") {
		return r, fmt.Errorf("%w: %q is not an absolute library path", ErrInvalidRule, s)
	}
	s = path.Clean(s)
	dir, lib := path.Split(s)
	if lib == "" || dir == "/" {
		return r, fmt.Errorf("%w: %q has no install prefix", ErrInvalidRule, s)
	}
	return Rule{Prefix: dir, Library: lib}, nil
}

// Rules is an ordered rule set. Library names must be distinct, so the order never changes the result.
type Rules []Rule

// DefaultRules maps the homebrew wireshark and glib libraries the plugin links against.
func DefaultRules() Rules {
	return Rules{
		{Prefix: "/opt/homebrew/opt/wireshark/lib/", Library: "libwireshark.19.dylib"},
		{Prefix: "/opt/homebrew/opt/wireshark/lib/", Library: "libwsutil.17.dylib"},
		{Prefix: "/opt/homebrew/opt/glib/lib/", Library: "libglib-2.0.0.dylib"},
	}
}

// Validate checks every prefix is an absolute directory and library names are bare and distinct.
func (rs Rules) Validate() error {
	seen := make(map[string]struct{}, len(rs))
	for _, r := range rs {
		switch {
		case !path.IsAbs(r.Prefix) || !strings.HasSuffix(r.Prefix, "/"):
			return fmt.Errorf("%w: prefix %q must be an absolute directory ending with /", ErrInvalidRule, r.Prefix)
		case r.Library == "" || strings.ContainsRune(r.Library, '/'):
			return fmt.Errorf("%w: library %q must be a bare file name", ErrInvalidRule, r.Library)
		}
		if _, ok := seen[r.Library]; ok {
			return fmt.Errorf("%w: library %q mapped twice", ErrInvalidRule, r.Library)
		}
		seen[r.Library] = struct{}{}
	}
	return nil
}

// Find the first rule matching dep.
func (rs Rules) Find(dep string) (Rule, bool) {
	for _, r := range rs {
		if r.Match(dep) {
			return r, true
		}
	}
	return Rule{}, false
}

// Unmatched lists dependencies that live under a rule prefix and share a rule library stem
// without matching any rule, which is what a library version bump looks like.
func (rs Rules) Unmatched(deps []string) (v []string) {
	for _, d := range deps {
		if _, ok := rs.Find(d); ok {
			continue
		}
		for _, r := range rs {
			if strings.HasPrefix(d, r.Prefix) && stem(path.Base(d)) == stem(r.Library) {
				v = append(v, d)
				break
			}
		}
	}
	return
}
