package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/concierge/internal/storage"
)

// connectionDiscoverer dispatches live discovery by connection kind.
type connectionDiscoverer struct {
	timeout time.Duration
}

// NewDiscoverer returns a Discoverer handling all supported connection
// kinds. Each discovery call is bounded by timeout.
func NewDiscoverer(timeout time.Duration) Discoverer {
	return &connectionDiscoverer{timeout: timeout}
}

func (d *connectionDiscoverer) Discover(ctx context.Context, conn storage.Connection) ([]Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch conn.Kind {
	case storage.KindMCP, storage.KindMCPHTTP:
		return discoverMCP(ctx, conn)
	case storage.KindOpenAPI:
		return discoverOpenAPI(ctx, conn)
	default:
		return nil, fmt.Errorf("unsupported connection kind %q", conn.Kind)
	}
}

// discoverMCP connects to an MCP server, initializes the session and lists
// its tools. Process-based servers are spawned for the duration of the call.
func discoverMCP(ctx context.Context, conn storage.Connection) ([]Descriptor, error) {
	t, err := mcpTransport(conn)
	if err != nil {
		return nil, err
	}

	c := client.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting mcp client: %w", err)
	}
	defer c.Close()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "concierge", Version: "1.0.0"}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := c.Initialize(ctx, initReq)
	if err != nil {
		return nil, fmt.Errorf("initializing mcp session: %w", err)
	}
	if serverInfo.Capabilities.Tools == nil {
		return nil, nil
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing mcp tools: %w", err)
	}

	descriptors := make([]Descriptor, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encoding schema for tool %s: %w", tool.Name, err)
		}
		descriptors = append(descriptors, Descriptor{
			Name:        tool.Name,
			Description: tool.Description,
			SchemaJSON:  string(schema),
		})
	}
	return descriptors, nil
}

func mcpTransport(conn storage.Connection) (transport.Interface, error) {
	switch conn.Kind {
	case storage.KindMCP:
		if conn.Config.Command == "" {
			return nil, fmt.Errorf("connection %s has no command", conn.Name)
		}
		var env []string
		for key, value := range conn.Config.Env {
			env = append(env, key+"="+value)
		}
		return transport.NewStdio(conn.Config.Command, env, conn.Config.Args...), nil
	case storage.KindMCPHTTP:
		if conn.Config.Endpoint == "" {
			return nil, fmt.Errorf("connection %s has no endpoint", conn.Name)
		}
		var opts []transport.StreamableHTTPCOption
		if len(conn.Config.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(conn.Config.Headers))
		}
		return transport.NewStreamableHTTP(conn.Config.Endpoint, opts...)
	default:
		return nil, fmt.Errorf("connection kind %q is not mcp", conn.Kind)
	}
}
