package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique constraint is violated, such as
// creating a connection with a name that is already taken.
var ErrConflict = errors.New("conflict")

// Role values for messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Connection kinds. The config union is discriminated by this value.
const (
	KindMCP     = "mcp"      // local process speaking MCP over stdio
	KindMCPHTTP = "mcp-http" // remote MCP server over streamable HTTP
	KindOpenAPI = "openapi"  // REST API described by an OpenAPI document
)

type Thread struct {
	ID          string
	Title       string
	UserID      string
	ResumeState string // serialized resumption state, empty when unused
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is immutable once written. Seq is a strictly increasing per-thread
// sequence number assigned at append time.
type Message struct {
	ID          string
	ThreadID    string
	Seq         int64
	Role        string
	TextContent string
	PayloadJSON string
	CreatedAt   time.Time
}

type Skill struct {
	ID           string
	Code         string
	Name         string
	SystemPrompt string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConnectionConfig is the tagged union of per-kind connection settings.
// Which fields are meaningful depends on Connection.Kind: Command/Args/Env
// for KindMCP, Endpoint/Headers for KindMCPHTTP and KindOpenAPI. It is
// serialized to JSON only at the storage boundary.
type ConnectionConfig struct {
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type Connection struct {
	ID        string
	Name      string
	Kind      string
	Config    ConnectionConfig
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DiscoveredTool is a cache row for one AI-callable tool found on a
// connection. The authoritative source is a live discovery call; rows are
// replaced wholesale on refresh.
type DiscoveredTool struct {
	ID             string
	ConnectionID   string
	Name           string
	Description    string
	SchemaJSON     string
	DiscoveredAt   time.Time
	LastVerifiedAt time.Time
	Available      bool
}
