package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hupe1980/medmesh/core"
)

// ParseAction parses raw model output into exactly one action. The JSON
// object may be wrapped in a fenced code block or surrounded by prose.
// Any failure is a *core.MalformedActionError.
func ParseAction(raw string) (core.Action, error) {
	body, ok := extractJSON(raw)
	if !ok {
		return nil, malformed(raw, "no JSON object found")
	}

	obj := gjson.Parse(body)
	kind := firstString(obj, "action", "type")

	switch kind {
	case "call_tool", "tool":
		name := firstString(obj, "tool", "name")
		if name == "" {
			return nil, malformed(raw, "call_tool without tool name")
		}
		args := map[string]any{}
		if a := obj.Get("args"); a.Exists() && a.Type != gjson.Null {
			if !a.IsObject() {
				return nil, malformed(raw, "call_tool args must be an object")
			}
			if err := json.Unmarshal([]byte(a.Raw), &args); err != nil {
				return nil, malformed(raw, "call_tool args: "+err.Error())
			}
		}
		return core.CallTool{Name: name, Args: args}, nil

	case "delegate", "delegate_to_agent":
		d, err := parseDelegation(obj)
		if err != nil {
			return nil, malformed(raw, err.Error())
		}
		return d, nil

	case "delegate_many", "delegations":
		items := obj.Get("delegations")
		if !items.IsArray() {
			items = obj.Get("items")
		}
		if !items.IsArray() || len(items.Array()) == 0 {
			return nil, malformed(raw, "delegate_many requires a non-empty delegations array")
		}
		var out core.Delegations
		for i, item := range items.Array() {
			d, err := parseDelegation(item)
			if err != nil {
				return nil, malformed(raw, fmt.Sprintf("delegation %d: %v", i, err))
			}
			out.Items = append(out.Items, d)
		}
		if len(out.Items) == 1 {
			return out.Items[0], nil
		}
		return out, nil

	case "final_answer", "final", "answer":
		text := firstString(obj, "answer", "text")
		if strings.TrimSpace(text) == "" {
			return nil, malformed(raw, "final_answer without text")
		}
		return core.FinalAnswer{Text: text}, nil

	case "":
		return nil, malformed(raw, "missing action field")
	default:
		return nil, malformed(raw, fmt.Sprintf("unknown action %q", kind))
	}
}

func parseDelegation(obj gjson.Result) (core.DelegateToAgent, error) {
	id := firstString(obj, "agent_id", "agentId", "agent")
	query := firstString(obj, "query", "message")
	if id == "" {
		return core.DelegateToAgent{}, fmt.Errorf("delegate without agent_id")
	}
	if strings.TrimSpace(query) == "" {
		return core.DelegateToAgent{}, fmt.Errorf("delegate to %s without query", id)
	}
	return core.DelegateToAgent{AgentID: id, Query: query}, nil
}

// EncodeAction renders an action in the same JSON grammar ParseAction reads.
func EncodeAction(a core.Action) string {
	b, err := json.Marshal(a)
	if err != nil {
		return "{}"
	}
	if b, err = sjson.SetBytes(b, "action", a.Kind()); err != nil {
		return "{}"
	}
	return string(b)
}

// extractJSON returns the first balanced JSON object in s, looking inside a
// fenced code block first.
func extractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "```"); start >= 0 {
		rest := s[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			if body, ok := balancedObject(rest[:end]); ok {
				return body, true
			}
		}
	}
	return balancedObject(s)
}

// balancedObject scans for the first '{' and returns the object it opens,
// honoring strings and escapes.
func balancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth, inString, escaped := 0, false, false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					body := s[start : i+1]
					if gjson.Valid(body) {
						return body, true
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func firstString(obj gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func malformed(raw, reason string) error {
	return &core.MalformedActionError{Raw: raw, Reason: reason}
}
