// Package mcpserver registers the backend MCP tools the gateway fronts.
// Identity arguments on the greeting tool are never supplied by the
// caller; the gateway interceptor adds them after authentication.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/toolgate/internal/interceptor"
	"github.com/alexjbarnes/toolgate/internal/weather"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool names.
const (
	ToolWeather  = "get_weather"
	ToolGreeting = "get_personalized_greeting"
)

// WeatherLookup fetches a weather report for a place name.
type WeatherLookup interface {
	Lookup(ctx context.Context, location string, days int) (*weather.Report, error)
}

// Deps are the collaborators the tools need.
type Deps struct {
	Weather WeatherLookup
	Now     func() time.Time
}

// NewServer creates an MCP server with all tools registered.
func NewServer(version string, deps Deps) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "toolgate", Version: version}, nil)
	RegisterTools(server, deps)

	return server
}

// RegisterTools adds all tools to the given MCP server.
func RegisterTools(server *mcp.Server, deps Deps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	// Input schemas are explicit so the gateway may add allow-listed
	// header arguments without failing validation.
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolWeather,
		Description: "Get current conditions and a daily forecast for a place, looked up by name via Open-Meteo.",
		InputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"location"},
			Properties: map[string]*jsonschema.Schema{
				"location": {Type: "string", Description: "place name, e.g. London or Paris, France"},
				"days":     {Type: "integer", Description: "forecast days (1-16), defaults to 3"},
			},
		},
	}, weatherHandler(deps.Weather))

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolGreeting,
		Description: "Get a personalized greeting for the signed-in user. User details are filled in by the gateway from the caller's access token.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				interceptor.ArgUserID:    {Type: "string", Description: "set by the gateway"},
				interceptor.ArgUserName:  {Type: "string", Description: "set by the gateway"},
				interceptor.ArgUserEmail: {Type: "string", Description: "set by the gateway"},
			},
		},
	}, greetingHandler(deps.Now))
}

// --- Input and output types ---

// WeatherInput holds parameters for get_weather.
type WeatherInput struct {
	Location string `json:"location"`
	Days     int    `json:"days,omitempty"`
}

// GreetingInput holds the identity arguments injected by the interceptor.
type GreetingInput struct {
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
}

// GreetingResult is the get_personalized_greeting output.
type GreetingResult struct {
	Greeting  string `json:"greeting"`
	UserName  string `json:"user_name,omitempty"`
	Timestamp string `json:"timestamp"`
}

// --- Handlers ---

func weatherHandler(w WeatherLookup) mcp.ToolHandlerFor[WeatherInput, *weather.Report] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input WeatherInput) (*mcp.CallToolResult, *weather.Report, error) {
		if w == nil {
			return nil, nil, errors.New("weather lookups are not configured")
		}

		report, err := w.Lookup(ctx, input.Location, input.Days)
		if err != nil {
			return nil, nil, err
		}

		return textResult(report), report, nil
	}
}

func greetingHandler(now func() time.Time) mcp.ToolHandlerFor[GreetingInput, *GreetingResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input GreetingInput) (*mcp.CallToolResult, *GreetingResult, error) {
		result := &GreetingResult{
			Greeting:  Greeting(input.UserName, input.UserID),
			UserName:  input.UserName,
			Timestamp: now().UTC().Format(time.RFC3339),
		}

		return textResult(result), result, nil
	}
}

// Greeting builds the greeting text, preferring the display name.
func Greeting(userName, userID string) string {
	switch {
	case userName != "":
		return fmt.Sprintf("Hello, %s! Welcome to our service.", userName)
	case userID != "":
		return "Hello! Welcome to our service. Your user ID is: " + userID
	default:
		return "Hello! Welcome to our service."
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
