// Package columns provides reversible substitution of user-visible column
// names with collision-safe internal identifiers, so names containing
// arbitrary characters survive embedding in generated evaluation code, plus
// the column type enumeration used by derived-column requests.
package columns

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Encoder maps column names to identifier-safe codes and back. The name set
// is replaced wholesale whenever the dataset changes (startup and resume).
type Encoder struct {
	mu         sync.RWMutex
	names      []string // longest-first, for safe in-text replacement
	nameToCode map[string]string
	codeToName map[string]string
}

// NewEncoder creates an Encoder with no known columns.
func NewEncoder() *Encoder {
	e := &Encoder{}
	e.SetColumnNames(nil)
	return e
}

// SetColumnNames replaces the known column set. Codes are deterministic per
// position so a name round-trips for the lifetime of one dataset incarnation.
func (e *Encoder) SetColumnNames(names []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.names = make([]string, 0, len(names))
	e.nameToCode = make(map[string]string, len(names))
	e.codeToName = make(map[string]string, len(names))

	for i, name := range names {
		if name == "" {
			continue
		}
		code := fmt.Sprintf("colEnc_%d_X", i)
		e.names = append(e.names, name)
		e.nameToCode[name] = code
		e.codeToName[code] = name
	}

	// Replace longer names first so a name that is a prefix of another can
	// never clobber it mid-replacement.
	sort.Slice(e.names, func(i, j int) bool { return len(e.names[i]) > len(e.names[j]) })
}

// Encode returns the code for an exactly matching column name, or the input
// unchanged when the name is unknown.
func (e *Encoder) Encode(name string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if code, ok := e.nameToCode[name]; ok {
		return code
	}
	return name
}

// Decode returns the original name for an exactly matching code, or the input
// unchanged.
func (e *Encoder) Decode(code string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if name, ok := e.codeToName[code]; ok {
		return name
	}
	return code
}

// EncodeAll substitutes every occurrence of every known column name in text.
func (e *Encoder) EncodeAll(text string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, name := range e.names {
		text = strings.ReplaceAll(text, name, e.nameToCode[name])
	}
	return text
}

// DecodeAll substitutes every occurrence of every known code in text back to
// its original column name.
func (e *Encoder) DecodeAll(text string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for code, name := range e.codeToName {
		text = strings.ReplaceAll(text, code, name)
	}
	return text
}

// EncodeJSON walks a decoded JSON document and encodes column names inside
// every string value. The document is returned rebuilt; maps and slices are
// not mutated in place.
func (e *Encoder) EncodeJSON(doc any) any {
	return e.walk(doc, e.EncodeAll, false)
}

// DecodeJSON walks a decoded JSON document and decodes codes back to column
// names in every string value and every object key, so result documents read
// naturally in the controller regardless of where a name ended up.
func (e *Encoder) DecodeJSON(doc any) any {
	return e.walk(doc, e.DecodeAll, true)
}

func (e *Encoder) walk(doc any, subst func(string) string, keysToo bool) any {
	switch v := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if keysToo {
				key = subst(key)
			}
			out[key] = e.walk(val, subst, keysToo)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = e.walk(val, subst, keysToo)
		}
		return out
	case string:
		return subst(v)
	default:
		return doc
	}
}

// metaKey marks the parallel metadata tree inside an options payload.
const metaKey = ".meta"

// EncodeOptions encodes the column names inside an analysis options payload,
// guided by the payload's own ".meta" tree: a field tagged containsColumn
// has its whole subtree encoded, everything else is recursed structurally.
// The payload is returned rebuilt.
func (e *Encoder) EncodeOptions(options map[string]any) map[string]any {
	meta, _ := options[metaKey].(map[string]any)
	if meta == nil {
		return options
	}
	encoded := e.encodeOptions(options, meta)
	out, ok := encoded.(map[string]any)
	if !ok {
		return options
	}
	return out
}

func (e *Encoder) encodeOptions(node, meta any) any {
	if meta == nil {
		return node
	}

	metaObj, _ := meta.(map[string]any)
	containsColumn := false
	if metaObj != nil {
		containsColumn, _ = metaObj["containsColumn"].(bool)
	}

	switch v := node.(type) {
	case []any:
		if containsColumn {
			// Already known to hold column names: encode the whole subtree
			// and do not recurse further.
			return e.EncodeJSON(v)
		}
		metaArr, _ := meta.([]any)
		out := make([]any, len(v))
		copy(out, v)
		for i := range v {
			if i < len(metaArr) {
				out[i] = e.encodeOptions(v[i], metaArr[i])
			}
		}
		return out

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = val
		}
		for key, val := range v {
			if key == metaKey {
				continue
			}
			if metaObj != nil {
				if childMeta, ok := metaObj[key]; ok {
					out[key] = e.encodeOptions(val, childMeta)
					continue
				}
			}
			if containsColumn {
				// A member without its own metadata under a column-tagged
				// field: treat the whole object as column-shaped.
				return e.EncodeJSON(v)
			}
		}
		return out

	case string:
		if containsColumn {
			return e.EncodeAll(v)
		}
		return v

	default:
		return node
	}
}
