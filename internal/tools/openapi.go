package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/kalambet/concierge/internal/storage"
)

// discoverOpenAPI fetches an OpenAPI document from the connection endpoint
// and maps each operation to a tool descriptor.
func discoverOpenAPI(ctx context.Context, conn storage.Connection) ([]Descriptor, error) {
	if conn.Config.Endpoint == "" {
		return nil, fmt.Errorf("connection %s has no endpoint", conn.Name)
	}

	body, err := fetchDocument(ctx, conn.Config.Endpoint, conn.Config.Headers)
	if err != nil {
		return nil, err
	}

	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(body)
	if err != nil {
		return nil, fmt.Errorf("parsing openapi document: %w", err)
	}

	var descriptors []Descriptor
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			descriptors = append(descriptors, Descriptor{
				Name:        operationName(method, path, op),
				Description: operationDescription(op),
				SchemaJSON:  operationSchema(op),
			})
		}
	}
	return descriptors, nil
}

func fetchDocument(ctx context.Context, endpoint string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building document request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching openapi document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching openapi document: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// operationName prefers the document's operationId, falling back to
// "method path" slugs like get_users_id.
func operationName(method, path string, op *openapi3.Operation) string {
	if op.OperationID != "" {
		return op.OperationID
	}
	slug := strings.NewReplacer("/", "_", "{", "", "}", "").Replace(strings.Trim(path, "/"))
	return strings.ToLower(method) + "_" + slug
}

func operationDescription(op *openapi3.Operation) string {
	if op.Summary != "" {
		return op.Summary
	}
	return op.Description
}

// operationSchema builds a flat JSON-schema-like object from the operation's
// parameters, mirroring the shape MCP tools report.
func operationSchema(op *openapi3.Operation) string {
	properties := make(map[string]any)
	var required []string
	for _, ref := range op.Parameters {
		p := ref.Value
		if p == nil {
			continue
		}
		prop := map[string]any{"description": p.Description}
		if p.Schema != nil && p.Schema.Value != nil && p.Schema.Value.Type != nil {
			types := p.Schema.Value.Type.Slice()
			if len(types) > 0 {
				prop["type"] = types[0]
			}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
