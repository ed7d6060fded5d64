package tools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Text returns a successful plain-text result.
func Text(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// Error returns a failed result carrying msg.
func Error(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// JSON returns a successful result whose text is v encoded as JSON.
func JSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return Error(fmt.Sprintf("failed to encode result: %v", err))
	}
	return Text(string(b))
}

// Errorf returns a failed result with an {"error": ...} payload.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	b, err := json.Marshal(map[string]string{"error": fmt.Sprintf(format, args...)})
	if err != nil {
		return Error(fmt.Sprintf(format, args...))
	}
	return Error(string(b))
}
