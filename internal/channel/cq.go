package channel

import (
	"encoding/json"
	"strings"
)

// cqSegment is one element of a OneBot message, in either array form
// ({"type":"text","data":{"text":"hi"}}) or decoded from a CQ string.
type cqSegment struct {
	Type string                     `json:"type"`
	Data map[string]json.RawMessage `json:"data"`
}

// get returns a data field as a string. Implementations disagree on
// whether ids are numbers or strings, so both are accepted.
func (s cqSegment) get(key string) string {
	raw, ok := s.Data[key]
	if !ok || len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var v string
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func textSegment(text string) cqSegment {
	raw, _ := json.Marshal(text)
	return cqSegment{Type: "text", Data: map[string]json.RawMessage{"text": raw}}
}

// decodeSegments accepts both message formats.
func decodeSegments(raw json.RawMessage) ([]cqSegment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return parseCQ(s), nil
	}
	var segs []cqSegment
	if err := json.Unmarshal(raw, &segs); err != nil {
		return nil, err
	}
	return segs, nil
}

// parseCQ splits a CQ-coded string into segments.
func parseCQ(s string) []cqSegment {
	var segs []cqSegment
	for len(s) > 0 {
		start := strings.Index(s, "[CQ:")
		if start < 0 {
			segs = append(segs, textSegment(unescapeCQ(s)))
			break
		}
		if start > 0 {
			segs = append(segs, textSegment(unescapeCQ(s[:start])))
		}
		end := strings.IndexByte(s[start:], ']')
		if end < 0 {
			segs = append(segs, textSegment(unescapeCQ(s[start:])))
			break
		}
		segs = append(segs, parseCQTag(s[start+4:start+end]))
		s = s[start+end+1:]
	}
	return segs
}

func parseCQTag(body string) cqSegment {
	parts := strings.Split(body, ",")
	seg := cqSegment{Type: parts[0], Data: make(map[string]json.RawMessage)}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		raw, _ := json.Marshal(unescapeCQ(v))
		seg.Data[k] = raw
	}
	return seg
}

var (
	cqTextEscaper  = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;")
	cqParamEscaper = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;")
	cqUnescaper    = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")
)

// escapeCQ makes user text safe to embed in a CQ string.
func escapeCQ(s string) string { return cqTextEscaper.Replace(s) }

func unescapeCQ(s string) string { return cqUnescaper.Replace(s) }

// cqTag renders [CQ:kind,k=v,...] with parameter escaping. params is a flat
// key, value list so the output order is stable.
func cqTag(kind string, params ...string) string {
	var b strings.Builder
	b.WriteString("[CQ:")
	b.WriteString(kind)
	for i := 0; i+1 < len(params); i += 2 {
		b.WriteByte(',')
		b.WriteString(params[i])
		b.WriteByte('=')
		b.WriteString(cqParamEscaper.Replace(params[i+1]))
	}
	b.WriteByte(']')
	return b.String()
}
