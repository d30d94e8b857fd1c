package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKeys(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "typo in section key",
			content: "[account]\naple_id = \"x\"\n",
			want:    []string{`unknown config key "aple_id" in [account], did you mean "apple_id"?`},
		},
		{
			name:    "unknown section",
			content: "[loging]\nlog_level = \"info\"\n",
			want:    []string{`unknown config key "loging" at top level, did you mean "logging"?`},
		},
		{
			name:    "typo in operation",
			content: "[operations.\"hme.list\"]\nretry_cout = 1\n",
			want:    []string{`unknown config key "retry_cout" in [operations."hme.list"], did you mean "retry_count"?`},
		},
		{
			name:    "no suggestion",
			content: "[network]\ncompletely_unrelated = 1\n",
			want:    []string{`unknown config key "completely_unrelated" in [network]`},
		},
		{
			name:    "several",
			content: "[retry]\npolcy = \"none\"\n[logging]\nlog_fmt = \"json\"\n",
			want:    []string{`"polcy"`, `"log_fmt"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTestConfig(t, tt.content))
			require.Error(t, err)

			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestClosestMatch(t *testing.T) {
	known := []string{"apple_id", "china_mainland", "save_password"}

	assert.Equal(t, "apple_id", closestMatch("appleid", known))
	assert.Equal(t, "save_password", closestMatch("save_pasword", known))
	assert.Empty(t, closestMatch("zzzzzzzzzz", known))
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"log_level", "log_level", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}
