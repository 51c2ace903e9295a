package dylibfix

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()
	require.NoError(t, rules.Validate())
	require.Len(t, rules, 3)
	for dep, want := range map[string]string{
		libWireshark: "@rpath/libwireshark.19.dylib",
		libWsutil:    "@rpath/libwsutil.17.dylib",
		libGlib:      "@rpath/libglib-2.0.0.dylib",
	} {
		r, ok := rules.Find(dep)
		if assert.True(t, ok, dep) {
			assert.Equal(t, dep, r.Source())
			assert.Equal(t, want, r.Target(DefaultToken))
		}
	}
	for _, dep := range []string{libSystem, libIntl, "@rpath/libglib-2.0.0.dylib", "/usr/local/opt/glib/lib/libglib-2.0.0.dylib"} {
		_, ok := rules.Find(dep)
		assert.False(t, ok, dep)
	}
	assert.Equal(t, "/opt/homebrew/opt/glib/lib/libglib-2.0.0.dylib -> @rpath/libglib-2.0.0.dylib", rules[2].String())
}

func TestRule_Match(t *testing.T) {
	r := Rule{Prefix: "/opt/homebrew/opt/wireshark/lib/", Library: "libwsutil.17.dylib"}
	assert.True(t, r.Match(libWsutil))
	assert.True(t, r.Match("/opt/homebrew/opt/wireshark/lib/../lib/libwsutil.17.dylib"))
	assert.False(t, r.Match("/opt/homebrew/opt/wireshark/lib/libwsutil.18.dylib"))
	assert.False(t, r.Match("/opt/homebrew/opt/wireshark/libwsutil.17.dylib"))
	assert.False(t, r.Match("@rpath/libwsutil.17.dylib"))
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("/opt/homebrew/opt/gettext/lib/libintl.8.dylib")
	require.NoError(t, err)
	assert.Equal(t, Rule{Prefix: "/opt/homebrew/opt/gettext/lib/", Library: "libintl.8.dylib"}, r)
	assert.True(t, r.Match(libIntl))

	for _, s := range []string{"", "libintl.8.dylib", "lib/libintl.8.dylib", "/opt/homebrew/lib/", "/libintl.8.dylib"} {
		_, err := ParseRule(s)
		assert.ErrorIs(t, err, ErrInvalidRule, s)
	}
}

func TestRules_Validate(t *testing.T) {
	t.Run("relative prefix", func(t *testing.T) {
		err := Rules{{Prefix: "opt/lib/", Library: "liba.1.dylib"}}.Validate()
		assert.ErrorIs(t, err, ErrInvalidRule)
		assert.Contains(t, err.Error(), "prefix")
	})
	t.Run("prefix without slash", func(t *testing.T) {
		err := Rules{{Prefix: "/opt/lib", Library: "liba.1.dylib"}}.Validate()
		assert.ErrorIs(t, err, ErrInvalidRule)
	})
	t.Run("nested library", func(t *testing.T) {
		err := Rules{{Prefix: "/opt/lib/", Library: "x/liba.1.dylib"}}.Validate()
		assert.ErrorContains(t, err, "bare file name")
	})
	t.Run("duplicate library", func(t *testing.T) {
		rules := append(DefaultRules(), Rule{Prefix: "/usr/local/opt/glib/lib/", Library: "libglib-2.0.0.dylib"})
		assert.ErrorContains(t, rules.Validate(), "mapped twice")
	})
	t.Run("extended", func(t *testing.T) {
		rules := append(DefaultRules(), Rule{Prefix: "/opt/homebrew/opt/gettext/lib/", Library: "libintl.8.dylib"})
		assert.NoError(t, rules.Validate())
	})
}

func TestRules_Unmatched(t *testing.T) {
	deps := []string{
		"/opt/homebrew/opt/wireshark/lib/libwireshark.20.dylib",
		libWsutil,
		"/opt/homebrew/opt/glib/lib/libglib-2.0.1.dylib",
		"/opt/homebrew/opt/glib/lib/libgio-2.0.0.dylib",
		"/opt/homebrew/opt/wireshark/lib/libwiretap.16.dylib",
		libSystem,
	}
	assert.Equal(t, []string{
		"/opt/homebrew/opt/wireshark/lib/libwireshark.20.dylib",
		"/opt/homebrew/opt/glib/lib/libglib-2.0.1.dylib",
	}, DefaultRules().Unmatched(deps))
	assert.Empty(t, DefaultRules().Unmatched([]string{libWireshark, libSystem}))
}
