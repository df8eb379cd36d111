package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare host gets https", "example.com", "https://example.com"},
		{"uppercase host lowered", "https://EXAMPLE.COM/Path", "https://example.com/Path"},
		{"default https port stripped", "https://example.com:443/a", "https://example.com/a"},
		{"default http port stripped", "http://example.com:80", "http://example.com"},
		{"custom port kept", "https://example.com:8443", "https://example.com:8443"},
		{"trailing slash stripped", "https://example.com/a/", "https://example.com/a"},
		{"root slash stripped", "https://example.com/", "https://example.com"},
		{"fragment dropped", "https://example.com/a#section", "https://example.com/a"},
		{"query preserved", "https://example.com/a?x=1", "https://example.com/a?x=1"},
		{"surrounding whitespace", "  https://example.com  ", "https://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURLRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "https://"} {
		_, err := NormalizeURL(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	t.Parallel()

	a, err := Fingerprint("https://Example.com/", []string{"schema", "backlinks"})
	require.NoError(t, err)
	b, err := Fingerprint("example.com", []string{"BACKLINKS", "schema", "backlinks"})
	require.NoError(t, err)

	// Equivalent URLs and service sets converge on one key.
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintVariesByServiceSet(t *testing.T) {
	t.Parallel()

	full, err := Fingerprint("https://example.com", StandardServices())
	require.NoError(t, err)
	subset, err := Fingerprint("https://example.com", []string{ServiceSchema})
	require.NoError(t, err)

	assert.NotEqual(t, full, subset)
}

func TestFingerprintRejectsEmptyServices(t *testing.T) {
	t.Parallel()

	_, err := Fingerprint("https://example.com", nil)
	assert.ErrorIs(t, err, ErrNoServices)

	_, err = Fingerprint("https://example.com", []string{"  ", ""})
	assert.ErrorIs(t, err, ErrNoServices)
}
