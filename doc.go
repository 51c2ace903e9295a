/*
Package dylibfix makes a compiled Mach-O shared library relocatable by rewriting its dynamic-linking metadata in place.

A library built against a package manager tree records absolute install names such as
/opt/homebrew/opt/glib/lib/libglib-2.0.0.dylib. Shipped inside an application bundle, the same
library must instead refer to its dependencies through a runtime search path token (@rpath/libglib-2.0.0.dylib)
and declare a bare install name of its own. dylibfix performs exactly these edits, without recompiling.

# License

Source codes are under Apache License Version 2.0.

# Underwater

 1. The self identifier (LC_ID_DYLIB) is set to the base name of the artifact path.
 2. Every [Rule] is checked against the dependency references (LC_LOAD_DYLIB and friends); a matching reference is
    replaced by the rule target. References matching no rule are left as recorded.
 3. Each edit is a separate in-place update of the load command region, so a failure leaves earlier edits valid
    and running again is a no-op for them.

# Backends

[Native] edits thin and universal files in process via the [macho] package, growing load commands into the header
padding when needed. [Toolchain] delegates to otool and install_name_tool instead.

# Notes

 1. Rewriting invalidates a code signature. Sign the artifact again afterwards (codesign -f -s -).
 2. A dependency sharing a rule prefix and library stem but matching no rule usually means the library
    version moved. It is reported by [Rules.Unmatched] and fails the rewrite in strict mode.

# Fixer tool

The fixer command wraps [Rewriter] for build scripts:

	go install github.com/ZenLiuCN/dylibfix/fixer@latest
	fixer path/to/matchy.so

For more details see the cli help:

	fixer -h
*/
package dylibfix
