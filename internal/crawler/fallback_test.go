package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFallbackTitle(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"hyphenated slug", "https://x.com/foo-bar", "Foo Bar"},
		{"trailing slash", "https://x.com/blog/hello_world/", "Hello World"},
		{"extension stripped", "https://x.com/docs/getting-started.html", "Getting Started"},
		{"escaped segment", "https://x.com/caf%C3%A9-menu", "Café Menu"},
		{"root path uses host", "https://x.com/", "x.com"},
		{"no path uses host", "https://x.com", "x.com"},
		{"upper case normalized", "https://x.com/BIG-NEWS", "Big News"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, FallbackTitle(tc.input))
		})
	}
}

func TestFallbackTitleIsDeterministic(t *testing.T) {
	t.Parallel()

	const raw = "https://example.com/a/b/some-long_slug"
	first := FallbackTitle(raw)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, FallbackTitle(raw))
	}
}

func TestFallbackResultGenericFailure(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	res := FallbackResult("id-1", "https://x.com/foo-bar", errors.New("connection reset"), now)

	require.False(t, res.Success)
	require.False(t, res.IsRateLimit)
	require.Equal(t, "Foo Bar", res.Title)
	require.Equal(t, DefaultDescription, res.Description)
	require.Equal(t, "connection reset", res.Error)
	require.Equal(t, now, res.ScrapedAt)
	require.Equal(t, "id-1", res.ID)
}

func TestFallbackResultRateLimited(t *testing.T) {
	t.Parallel()

	err := NewFetchError(KindRateLimited, "https://x.com/a", 429, errors.New("too many requests"))
	res := FallbackResult("id-2", "https://x.com/a", err, time.Now())

	require.True(t, res.IsRateLimit)
	require.False(t, res.Success)
}

func FuzzFallbackTitle(f *testing.F) {
	for _, seed := range []string{"https://x.com/foo-bar", "", "::", "https://x.com/%zz"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		if FallbackTitle(raw) != FallbackTitle(raw) {
			t.Fatalf("FallbackTitle(%q) is not deterministic", raw)
		}
	})
}
