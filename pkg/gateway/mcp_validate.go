package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nexus-hub/nexus-core/pkg/log"
)

// strictMethodFields lists, per MCP method, the parameter fields the
// protocol defines. Methods absent from this map are passed through
// unchecked; for listed methods a field that differs from a defined
// name only by case is treated as a smuggling attempt.
var strictMethodFields = map[string][]string{
	"tools/call":     {"name", "arguments", "_meta"},
	"prompts/get":    {"name", "arguments", "_meta"},
	"resources/read": {"uri", "_meta"},
}

// ValidateJSONMiddleware guards the MCP dispatch path against
// case-variant key smuggling: a payload carrying both "name" and
// "Name" (at any nesting depth), or a known field in the wrong case,
// is rejected before it reaches a tool handler. The SDK's own parser
// keeps the last duplicate it sees, so without this check a proxy and
// the handler can disagree about which value was sent.
func (g *Gateway) ValidateJSONMiddleware() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			fields, strict := strictMethodFields[method]
			if !strict {
				return next(ctx, method, req)
			}

			params := req.GetParams()
			if params == nil {
				return next(ctx, method, req)
			}
			raw, err := json.Marshal(params)
			if err != nil {
				// The dispatch layer surfaces marshal failures itself.
				return next(ctx, method, req)
			}

			if err := checkMessageFields(fields, raw); err != nil {
				g.denyAudit("mcp_validate", method, err.Error())
				return nil, fmt.Errorf("rejecting %s params: %w", method, err)
			}
			return next(ctx, method, req)
		}
	}
}

// checkMessageFields verifies the top-level keys of raw against the
// method's defined field names and walks the whole value for
// case-variant duplicates.
func checkMessageFields(defined []string, raw json.RawMessage) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil // not an object; nothing to smuggle
	}

	for key := range top {
		if matchesAny(defined, key) {
			continue
		}
		// An unknown field is allowed, unless it is a case variant of
		// a defined one.
		for _, want := range defined {
			if strings.EqualFold(want, key) {
				return fmt.Errorf("field %q has wrong case, expected %q", key, want)
			}
		}
		log.Logf("mcp: unexpected field %q in request params", key)
	}

	return checkCaseVariants(raw)
}

func matchesAny(defined []string, key string) bool {
	for _, d := range defined {
		if d == key {
			return true
		}
	}
	return false
}

// checkCaseVariants rejects any object, at any depth, holding two keys
// that differ only by case.
func checkCaseVariants(raw json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		seen := map[string]string{}
		for key := range obj {
			folded := strings.ToLower(key)
			if prev, dup := seen[folded]; dup && prev != key {
				return fmt.Errorf("found %q and %q (case variants)", prev, key)
			}
			seen[folded] = key
		}
		for key, val := range obj {
			if err := checkCaseVariants(val); err != nil {
				return fmt.Errorf("in field %q: %w", key, err)
			}
		}
		return nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		for i, elem := range arr {
			if err := checkCaseVariants(elem); err != nil {
				return fmt.Errorf("at index %d: %w", i, err)
			}
		}
	}
	return nil
}
