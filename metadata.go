package textrace

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MaxMetadataKeys bounds the number of top level entries.
	MaxMetadataKeys = 32
	// MaxMetadataKeyLength bounds a single key.
	MaxMetadataKeyLength = 64
	// MaxMetadataValueLength bounds a single string value.
	MaxMetadataValueLength = 1024
	// MaxMetadataListLength bounds list values.
	MaxMetadataListLength = 32
)

// Metadata is free-form structured data attached to a certificate.
// Values are scalars (string, number, bool, nil) or flat lists of scalars.
type Metadata map[string]any

// ParseMetadata parses raw text as a JSON or YAML mapping and validates it.
// Empty text yields nil metadata.
func ParseMetadata(raw string) (Metadata, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	dec := yaml.NewDecoder(strings.NewReader(raw))
	var node yaml.Node
	if err := dec.Decode(&node); err != nil {
		return nil, wrapAs(ErrMalformedMetadata, err, map[string]any{"reason": "parse"})
	}

	// later documents would be dropped, so any of them is an error
	for {
		var extra yaml.Node
		err := dec.Decode(&extra)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapAs(ErrMalformedMetadata, err, map[string]any{"reason": "parse"})
		}
		if len(extra.Content) > 0 {
			return nil, withMetadata(ErrMalformedMetadata, map[string]any{
				"reason": "metadata must be a single document",
			})
		}
	}

	if len(node.Content) == 0 || node.Content[0].Kind != yaml.MappingNode {
		return nil, withMetadata(ErrMalformedMetadata, map[string]any{
			"reason": "metadata must be a key/value mapping",
		})
	}

	var decoded map[string]any
	if err := node.Decode(&decoded); err != nil {
		return nil, wrapAs(ErrMalformedMetadata, err, map[string]any{"reason": "decode"})
	}

	md, err := NormalizeMetadata(decoded)
	if err != nil {
		return nil, err
	}
	return md, nil
}

// NormalizeMetadata validates a structured input against the metadata
// schema and returns a normalized copy.
func NormalizeMetadata(in map[string]any) (Metadata, error) {
	if in == nil {
		return nil, nil
	}
	if len(in) > MaxMetadataKeys {
		return nil, withMetadata(ErrMalformedMetadata, map[string]any{
			"reason": fmt.Sprintf("at most %d keys are allowed", MaxMetadataKeys),
		})
	}

	out := make(Metadata, len(in))
	for key, value := range in {
		k := strings.TrimSpace(key)
		if k == "" || len(k) > MaxMetadataKeyLength {
			return nil, withMetadata(ErrMalformedMetadata, map[string]any{
				"reason": fmt.Sprintf("keys must be 1-%d characters", MaxMetadataKeyLength),
				"key":    key,
			})
		}
		if _, dup := out[k]; dup {
			return nil, withMetadata(ErrMalformedMetadata, map[string]any{
				"reason": "duplicate key",
				"key":    k,
			})
		}

		normalized, err := normalizeMetadataValue(value, true)
		if err != nil {
			return nil, withMetadata(ErrMalformedMetadata, map[string]any{
				"reason": err.Error(),
				"key":    k,
			})
		}
		out[k] = normalized
	}

	return out, nil
}

// Validate checks md against the metadata schema.
func (md Metadata) Validate() error {
	_, err := NormalizeMetadata(md)
	return err
}

// Keys returns the keys in lexical order.
func (md Metadata) Keys() []string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone copies md, including list values.
func (md Metadata) Clone() Metadata {
	if md == nil {
		return nil
	}
	out := make(Metadata, len(md))
	for k, v := range md {
		if list, ok := v.([]any); ok {
			cp := make([]any, len(list))
			copy(cp, list)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

func normalizeMetadataValue(value any, allowList bool) (any, error) {
	switch v := value.(type) {
	case nil, bool:
		return v, nil
	case string:
		if len(v) > MaxMetadataValueLength {
			return nil, fmt.Errorf("string values must be at most %d characters", MaxMetadataValueLength)
		}
		return v, nil
	case int:
		return v, nil
	case int64:
		return v, nil
	case uint64:
		return v, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("numbers must be finite")
		}
		return v, nil
	case time.Time:
		return v.UTC().Format(time.RFC3339), nil
	case []any:
		if !allowList {
			return nil, fmt.Errorf("nested lists are not allowed")
		}
		if len(v) > MaxMetadataListLength {
			return nil, fmt.Errorf("lists must have at most %d items", MaxMetadataListLength)
		}
		out := make([]any, 0, len(v))
		for _, item := range v {
			n, err := normalizeMetadataValue(item, false)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return normalizeMetadataValue(items, allowList)
	case map[string]any:
		return nil, fmt.Errorf("nested mappings are not allowed")
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}
