package textrace_test

import (
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-textrace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		expected  textrace.Metadata
		malformed bool
	}{
		{
			name:     "empty text",
			raw:      "  ",
			expected: nil,
		},
		{
			name:     "json object",
			raw:      `{"fiber": "cotton", "weight_kg": 12.5, "organic": true}`,
			expected: textrace.Metadata{"fiber": "cotton", "weight_kg": 12.5, "organic": true},
		},
		{
			name:     "yaml mapping",
			raw:      "fiber: cotton\nlots:\n  - a1\n  - a2\n",
			expected: textrace.Metadata{"fiber": "cotton", "lots": []any{"a1", "a2"}},
		},
		{
			name:      "json list",
			raw:       `["cotton"]`,
			malformed: true,
		},
		{
			name:      "scalar",
			raw:       `cotton`,
			malformed: true,
		},
		{
			name:      "nested mapping",
			raw:       `{"origin": {"country": "India"}}`,
			malformed: true,
		},
		{
			name:      "nested list",
			raw:       `{"lots": [["a1"]]}`,
			malformed: true,
		},
		{
			name:     "yaml with document marker",
			raw:      "---\ndye: indigo\n",
			expected: textrace.Metadata{"dye": "indigo"},
		},
		{
			name:      "second yaml document",
			raw:       "dye: indigo\n---\nlot: 42\n",
			malformed: true,
		},
		{
			name:      "second json document",
			raw:       "{\"dye\": \"indigo\"}\n---\n{\"lot\": 42}\n",
			malformed: true,
		},
		{
			name:      "duplicate key",
			raw:       "fiber: cotton\nfiber: wool\n",
			malformed: true,
		},
		{
			name:      "broken json",
			raw:       `{"fiber": `,
			malformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := textrace.ParseMetadata(tt.raw)
			if tt.malformed {
				require.Error(t, err)
				assert.True(t, textrace.IsMalformedMetadata(err), "unexpected error: %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, md)
		})
	}
}

func TestNormalizeMetadataLimits(t *testing.T) {
	tooMany := map[string]any{}
	for i := 0; i <= textrace.MaxMetadataKeys; i++ {
		tooMany[strings.Repeat("k", i+1)] = i
	}
	_, err := textrace.NormalizeMetadata(tooMany)
	assert.True(t, textrace.IsMalformedMetadata(err))

	_, err = textrace.NormalizeMetadata(map[string]any{strings.Repeat("k", textrace.MaxMetadataKeyLength+1): "v"})
	assert.True(t, textrace.IsMalformedMetadata(err))

	_, err = textrace.NormalizeMetadata(map[string]any{"k": strings.Repeat("v", textrace.MaxMetadataValueLength+1)})
	assert.True(t, textrace.IsMalformedMetadata(err))

	_, err = textrace.NormalizeMetadata(map[string]any{"k": struct{}{}})
	assert.True(t, textrace.IsMalformedMetadata(err))

	_, err = textrace.NormalizeMetadata(map[string]any{" k": 1, "k ": 2})
	assert.True(t, textrace.IsMalformedMetadata(err))
}

func TestNormalizeMetadataConvertsValues(t *testing.T) {
	harvested := time.Date(2025, 2, 1, 8, 30, 0, 0, time.FixedZone("IST", 5*3600+1800))
	md, err := textrace.NormalizeMetadata(map[string]any{
		" harvested ": harvested,
		"lots":        []string{"a1", "a2"},
		"note":        nil,
	})
	require.NoError(t, err)
	assert.Equal(t, "2025-02-01T03:00:00Z", md["harvested"])
	assert.Equal(t, []any{"a1", "a2"}, md["lots"])
	assert.Nil(t, md["note"])
	assert.Equal(t, []string{"harvested", "lots", "note"}, md.Keys())
	assert.NoError(t, md.Validate())
}

func TestMetadataCloneIsDetached(t *testing.T) {
	md := textrace.Metadata{"lots": []any{"a1"}, "fiber": "cotton"}
	clone := md.Clone()
	clone["fiber"] = "wool"
	clone["lots"].([]any)[0] = "b1"

	assert.Equal(t, "cotton", md["fiber"])
	assert.Equal(t, "a1", md["lots"].([]any)[0])
	assert.Nil(t, textrace.Metadata(nil).Clone())
}
