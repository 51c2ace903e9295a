package main

import (
	"bytes"
	"github.com/ZenLiuCN/dylibfix/macho"
	"github.com/ZenLiuCN/dylibfix/macho/machotest"
	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	libWireshark = "/opt/homebrew/opt/wireshark/lib/libwireshark.19.dylib"
	libWsutil    = "/opt/homebrew/opt/wireshark/lib/libwsutil.17.dylib"
	libGlib      = "/opt/homebrew/opt/glib/lib/libglib-2.0.0.dylib"
	libSystem    = "/usr/lib/libSystem.B.dylib"
)

func plugin(t *testing.T, deps ...string) string {
	if len(deps) == 0 {
		deps = []string{libWireshark, libWsutil, libGlib, libSystem}
	}
	p := filepath.Join(t.TempDir(), "matchy.so")
	data := machotest.Build(machotest.Image{
		ID:   "/Users/runner/work/matchy/target/release/deps/libmatchy_wireshark.dylib",
		Deps: deps,
	})
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func fix(args ...string) (code int, stdout, stderr string) {
	var o, e bytes.Buffer
	code = run(append([]string{"fixer"}, args...), &o, &e)
	return code, o.String(), e.String()
}

func TestRun(t *testing.T) {
	p := plugin(t)
	code, out, errs := fix(p)
	require.Equal(t, exitOK, code, errs)
	assert.Contains(t, out, "id /Users/runner/work/matchy/target/release/deps/libmatchy_wireshark.dylib => matchy.so")
	assert.Contains(t, out, libGlib+" => @rpath/libglib-2.0.0.dylib")
	assert.Contains(t, errs, "rewrote dependency")

	f := fn.Panic1(macho.Open(p, false))
	defer fn.IgnoreClose(f)
	assert.Equal(t, "matchy.so", f.ID())
	assert.Equal(t, []string{
		"@rpath/libwireshark.19.dylib",
		"@rpath/libwsutil.17.dylib",
		"@rpath/libglib-2.0.0.dylib",
		libSystem,
	}, f.Dependencies())

	code, _, _ = fix(p)
	assert.Equal(t, exitOK, code)
}

func TestRun_Usage(t *testing.T) {
	code, _, errs := fix()
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errs, "usage error")

	p := plugin(t)
	code, _, _ = fix(p, p)
	assert.Equal(t, exitUsage, code)

	code, _, _ = fix("--no-such-flag", p)
	assert.Equal(t, exitUsage, code)

	code, _, _ = fix("--backend", "magic", p)
	assert.Equal(t, exitUsage, code)

	code, _, _ = fix("--rule", "libintl.8.dylib", p)
	assert.Equal(t, exitUsage, code)

	code, _, _ = fix("--rule", "/opt/homebrew/opt/other/lib/libglib-2.0.0.dylib", p)
	assert.Equal(t, exitUsage, code, "library mapped twice")
}

func TestRun_NotFound(t *testing.T) {
	code, _, _ := fix(filepath.Join(t.TempDir(), "missing.so"))
	assert.Equal(t, exitNotFound, code)

	code, _, _ = fix(t.TempDir())
	assert.Equal(t, exitNotFound, code)
}

func TestRun_Metadata(t *testing.T) {
	p := filepath.Join(t.TempDir(), "matchy.so")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\necho not a plugin\n"), 0o644))
	code, _, errs := fix(p)
	assert.Equal(t, exitMetadata, code)
	assert.Contains(t, errs, "metadata error")
}

func TestRun_Strict(t *testing.T) {
	bumped := "/opt/homebrew/opt/glib/lib/libglib-2.0.1.dylib"
	p := plugin(t, libWsutil, bumped)
	before := fn.Panic1(os.ReadFile(p))

	code, out, _ := fix("--strict", p)
	assert.Equal(t, exitUnmatched, code)
	assert.Contains(t, out, bumped+" (unmatched)")
	assert.Equal(t, before, fn.Panic1(os.ReadFile(p)))

	code, _, errs := fix(p)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, errs, "matches no rule")
}

func TestRun_DryRun(t *testing.T) {
	p := plugin(t)
	before := fn.Panic1(os.ReadFile(p))
	code, out, _ := fix("-n", p)
	assert.Equal(t, exitOK, code)
	assert.True(t, strings.HasPrefix(out, "(dry run) "), out)
	assert.Contains(t, out, libWsutil+" => @rpath/libwsutil.17.dylib")
	assert.Equal(t, before, fn.Panic1(os.ReadFile(p)))
}

func TestRun_RuleAndToken(t *testing.T) {
	libIntl := "/opt/homebrew/opt/gettext/lib/libintl.8.dylib"
	p := plugin(t, libGlib, libIntl)
	code, _, errs := fix("--token", "@loader_path", "--rule", libIntl, p)
	require.Equal(t, exitOK, code, errs)

	f := fn.Panic1(macho.Open(p, false))
	defer fn.IgnoreClose(f)
	assert.Equal(t, []string{"@loader_path/libglib-2.0.0.dylib", "@loader_path/libintl.8.dylib"}, f.Dependencies())
}

func TestInspect(t *testing.T) {
	bumped := "/opt/homebrew/opt/wireshark/lib/libwsutil.18.dylib"
	p := plugin(t, libWireshark, bumped, libSystem)
	before := fn.Panic1(os.ReadFile(p))
	code, out, errs := fix("inspect", p)
	require.Equal(t, exitOK, code, errs)
	assert.Equal(t, p+"\n"+
		"\tid: /Users/runner/work/matchy/target/release/deps/libmatchy_wireshark.dylib\n"+
		"\t"+libWireshark+" => @rpath/libwireshark.19.dylib\n"+
		"\t"+bumped+" (unmatched)\n"+
		"\t"+libSystem+"\n", out)
	assert.Equal(t, before, fn.Panic1(os.ReadFile(p)))

	code, _, _ = fix("inspect")
	assert.Equal(t, exitUsage, code)
	code, _, _ = fix("inspect", filepath.Join(t.TempDir(), "missing.so"))
	assert.Equal(t, exitNotFound, code)
}

func TestRules(t *testing.T) {
	code, out, _ := fix("rules")
	require.Equal(t, exitOK, code)
	assert.Equal(t, libWireshark+" => @rpath/libwireshark.19.dylib\n"+
		libWsutil+" => @rpath/libwsutil.17.dylib\n"+
		libGlib+" => @rpath/libglib-2.0.0.dylib\n", out)

	code, out, _ = fix("--token", "@loader_path", "--rule", "/opt/homebrew/opt/gettext/lib/libintl.8.dylib", "rules")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "/opt/homebrew/opt/gettext/lib/libintl.8.dylib => @loader_path/libintl.8.dylib\n")
	assert.Equal(t, 4, strings.Count(out, "\n"))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(os.ErrClosed))
}
