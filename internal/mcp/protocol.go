// Package mcp is a client for tool servers speaking JSON-RPC 2.0 over the
// stdio of a child process, one JSON document per line.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	ProtocolVersion = "2024-11-05"
	jsonrpcVersion  = "2.0"
	clientName      = "nullterm"
	clientVersion   = "1.0.0"
)

var (
	ErrTimeout         = errors.New("mcp: request timed out")
	ErrConnectionReset = errors.New("mcp: connection reset")
	ErrCancelled       = errors.New("mcp: request cancelled")
	ErrClosed          = errors.New("mcp: session closed")
	ErrNotConnected    = errors.New("mcp: not connected")
	ErrUnknownServer   = errors.New("mcp: unknown server")
)

// RPCError is an error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// responseID extracts a numeric id. Servers echo our integer ids, but some
// send them back as strings.
func (m *inbound) responseID() (int64, bool) {
	raw := strings.TrimSpace(string(m.ID))
	if raw == "" || raw == "null" {
		return 0, false
	}
	raw = strings.Trim(raw, `"`)
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      implementation `json:"clientInfo"`
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's answer to the handshake.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      implementation `json:"serverInfo"`
}

// Tool is one entry of tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Content is one item of a tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// CallResult is the result of tools/call.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text joins the text items by newline; other content types are summarized.
func (r *CallResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		switch c.Type {
		case "text", "":
			parts = append(parts, c.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s content: %s]", c.Type, c.MimeType))
		}
	}
	return strings.Join(parts, "\n")
}

// Resource is one entry of resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}

type resourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

type resourcesReadResult struct {
	Contents []resourceContents `json:"contents"`
}
