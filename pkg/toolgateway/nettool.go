package toolgateway

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/default-user/mathison/pkg/util/resiliency"
)

// HTTPFetchParamsSchema is the JSON Schema for the built-in network-fetch
// tool's arguments.
const HTTPFetchParamsSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE"]}
  },
  "required": ["url"]
}`

// HTTPFetchResult is the handler-stage return value for the network-fetch
// tool — the egress filter inspects this like any other handler output.
type HTTPFetchResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// NewHTTPFetchTool builds the one generic outbound-HTTP tool this module
// ships: a `network`-scoped fetch backed by resiliency.EnhancedClient's
// retry/circuit-breaker/trace-injection wrapper around the stdlib client.
// It is deliberately generic (method + URL, no provider-specific framing)
// — the concrete LLM adapter wire format is out of scope; a vendor
// integration registers its own tool through this same Gateway instead of
// bypassing it.
func NewHTTPFetchTool(actionID string) ToolDefinition {
	client := resiliency.NewEnhancedClient()
	return ToolDefinition{
		Name:           "http.fetch",
		ActionID:       actionID,
		RequiredScopes: []Scope{ScopeNetwork},
		ParamsSchema:   HTTPFetchParamsSchema,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return nil, fmt.Errorf("toolgateway: http.fetch requires a url argument")
			}
			method, _ := args["method"].(string)
			if method == "" {
				method = http.MethodGet
			}

			req, err := http.NewRequestWithContext(ctx, method, url, nil)
			if err != nil {
				return nil, fmt.Errorf("toolgateway: http.fetch: %w", err)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("toolgateway: http.fetch: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return nil, fmt.Errorf("toolgateway: http.fetch: read body: %w", err)
			}

			return HTTPFetchResult{StatusCode: resp.StatusCode, Body: string(body)}, nil
		},
	}
}
