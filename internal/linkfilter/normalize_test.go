package linkfilter

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"default https port", "https://example.com:443/a", "https://example.com/a"},
		{"default http port", "http://example.com:80/a", "http://example.com/a"},
		{"custom port kept", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"fragment dropped", "https://example.com/a#section", "https://example.com/a"},
		{"trailing slash trimmed", "https://example.com/a/b/", "https://example.com/a/b"},
		{"empty path becomes root", "https://example.com", "https://example.com/"},
		{"query sorted", "https://example.com/s?b=2&a=1", "https://example.com/s?a=1&b=2"},
		{"empty query dropped", "https://example.com/s?", "https://example.com/s"},
		{"whitespace trimmed", "  https://example.com/x ", "https://example.com/x"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeRejectsNonHTTP(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"mailto:someone@example.com", "javascript:void(0)", "/relative/path", "ftp://example.com/file", "https://"} {
		_, err := Normalize(raw)
		require.Error(t, err, raw)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"HTTPS://Example.COM:443/a/b/?z=1&a=2#frag",
		"http://example.com/%7Euser/",
		"https://example.com/search?q=hello+world&lang=en",
		"https://example.com//double//",
	}
	for _, in := range inputs {
		once, err := Normalize(in)
		require.NoError(t, err)
		twice, err := Normalize(once)
		require.NoError(t, err)
		require.Equal(t, once, twice, in)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/docs/intro")
	require.NoError(t, err)

	got, err := Resolve(base, "../about/#team")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/about", got)

	got, err = Resolve(base, "guide?b=1&a=2")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/docs/guide?a=2&b=1", got)

	_, err = Resolve(base, "mailto:team@example.com")
	require.Error(t, err)
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Host("https://EXAMPLE.com:8443/x"))
	require.Equal(t, "", Host("::bad"))
}

func FuzzNormalizeIdempotent(f *testing.F) {
	for _, seed := range []string{
		"https://example.com",
		"HTTP://EXAMPLE.com:80/a/?b=2&a=1#x",
		"https://example.com/path/to/page/",
		"https://sub.example.co.uk/?q=a+b",
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		once, err := Normalize(raw)
		if err != nil {
			return
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("normalized url %q failed to re-normalize: %v", once, err)
		}
		if once != twice {
			t.Fatalf("not idempotent: %q -> %q -> %q", raw, once, twice)
		}
	})
}
