package engine

import (
	"encoding/json"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"statsengine/pkg/eventlog"
	"statsengine/pkg/proto"
)

// SendString delivers one message to the controller, replacing whatever
// earlier message was still waiting in the outbound slot. An empty string
// clears the slot without sending anything.
//
// Outbound payloads that parse as JSON get their column codes translated back
// to real column names first; payloads that do not parse go out verbatim, so
// a runtime that produces broken JSON still gets its message across.
func (e *Engine) SendString(message string) {
	if message == "" {
		e.ch.Clear()
		return
	}

	message = normalizeUnicodeEscapes(message)

	if doc, err := proto.ParseMessage([]byte(message)); err == nil {
		decoded := e.enc.DecodeJSON(map[string]any(doc))
		if payload, err := json.Marshal(decoded); err == nil {
			e.trace(eventlog.DirOut, doc.TypeRequest(), payload)
			e.ch.Send(payload)
			return
		}
	}

	e.trace(eventlog.DirOut, "", []byte(message))
	e.ch.Send([]byte(message))
}

// sendAnalysisResults emits the current analysis snapshot: identity fields,
// progress, the result document, and a status the controller can interpret.
// The runtime's own status wins when the document carries one; otherwise the
// status derives from the analysis lifecycle.
func (e *Engine) sendAnalysisResults() {
	resp := proto.NewMessage(proto.StateAnalysis)
	resp["id"] = e.task.id
	resp["name"] = e.task.name
	resp["revision"] = e.task.revision
	resp["progress"] = e.progress

	status := proto.ResultStatusFor(e.status)
	results := e.results
	if doc, ok := e.results.(map[string]any); ok {
		if s, ok := doc["status"].(string); ok {
			status = proto.ParseResultStatus(s)
		}
		// The runtime wraps its payload in a results member; unwrap it when
		// present, pass the whole document when not.
		if inner, ok := doc["results"]; ok {
			results = inner
		}
	}
	resp["results"] = results
	resp["status"] = status.String()

	e.SendString(string(resp.JSON()))
}

// trace records one envelope in the protocol event log, if one is attached.
func (e *Engine) trace(direction, typeRequest string, payload []byte) {
	if e.events == nil {
		return
	}
	if err := e.events.Write(direction, typeRequest, payload); err != nil {
		e.log.Warn("failed to trace %s message: %v", direction, err)
	}
}

// normalizeUnicodeEscapes rewrites literal \uXXXX sequences (including
// surrogate pairs) into UTF-8 bytes. Runtimes serialize non-ASCII text as
// escape sequences, which the controller's parser chokes on; real UTF-8 is
// fine on both sides.
func normalizeUnicodeEscapes(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, n := decodeEscape(s[i:])
		if n == 0 {
			b.WriteByte(s[i])
			i++
			continue
		}
		if utf16.IsSurrogate(r) {
			if r2, n2 := decodeEscape(s[i+n:]); n2 > 0 {
				if combined := utf16.DecodeRune(r, r2); combined != utf8.RuneError {
					b.WriteRune(combined)
					i += n + n2
					continue
				}
			}
			b.WriteRune(utf8.RuneError)
			i += n
			continue
		}
		b.WriteRune(r)
		i += n
	}
	return b.String()
}

// decodeEscape parses one \uXXXX sequence at the start of s, returning the
// rune and consumed length, or (0, 0) when s does not start with one.
func decodeEscape(s string) (rune, int) {
	if len(s) < 6 || s[0] != '\\' || s[1] != 'u' {
		return 0, 0
	}
	var r rune
	for _, c := range []byte(s[2:6]) {
		switch {
		case c >= '0' && c <= '9':
			r = r<<4 | rune(c-'0')
		case c >= 'a' && c <= 'f':
			r = r<<4 | rune(c-'a'+10)
		case c >= 'A' && c <= 'F':
			r = r<<4 | rune(c-'A'+10)
		default:
			return 0, 0
		}
	}
	return r, 6
}
