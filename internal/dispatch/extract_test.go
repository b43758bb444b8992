package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a": 1}`, `{"a": 1}`},
		{"prefix {\"a\": 1} suffix", `{"a": 1}`},
		{"```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`},
		{"no json here", "no json here"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, extractJSON(tc.in))
	}
}

func TestCacheKeyTruncates(t *testing.T) {
	long := make([]byte, maxHashedDescriptionLen+100)
	for i := range long {
		long[i] = 'x'
	}
	assert.Equal(t, cacheKey(string(long)), cacheKey(string(long[:maxHashedDescriptionLen])))
	assert.NotEqual(t, cacheKey("alpha"), cacheKey("beta"))
}
