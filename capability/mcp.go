package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/yumesha/kimi-cli/approval"
)

// MCPConfig declares one external MCP server whose tools get mounted as
// capabilities. Exactly one of URL (streamable HTTP) or Command (stdio
// subprocess) must be set.
type MCPConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	URL     string
}

// MCPSource owns the client session to one MCP server.
type MCPSource struct {
	name    string
	session *mcp.ClientSession
	log     *zap.Logger
}

// ConnectMCP dials the configured server and completes the MCP
// initialization handshake.
func ConnectMCP(ctx context.Context, cfg MCPConfig, log *zap.Logger) (*MCPSource, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp server needs a name")
	}

	var transport mcp.Transport
	switch {
	case cfg.URL != "" && cfg.Command != "":
		return nil, fmt.Errorf("mcp server %s: url and command are mutually exclusive", cfg.Name)
	case cfg.URL != "":
		transport = &mcp.StreamableClientTransport{Endpoint: cfg.URL}
	case cfg.Command != "":
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = append(os.Environ(), cfg.Env...)
		cmd.Stderr = os.Stderr
		transport = &mcp.CommandTransport{Command: cmd}
	default:
		return nil, fmt.Errorf("mcp server %s: either url or command is required", cfg.Name)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "kimi-cli", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %s: %w", cfg.Name, err)
	}
	return &MCPSource{
		name:    cfg.Name,
		session: session,
		log:     log.With(zap.String("mcp_server", cfg.Name)),
	}, nil
}

// Mount registers every tool the server advertises. Mounted names are
// prefixed with the server name; mounted tools run code the operator has
// not reviewed, so they default to mediated medium risk.
func (s *MCPSource) Mount(ctx context.Context, reg *Registry) (int, error) {
	params := &mcp.ListToolsParams{}
	mounted := 0
	for {
		list, err := s.session.ListTools(ctx, params)
		if err != nil {
			return mounted, fmt.Errorf("list tools on %s: %w", s.name, err)
		}
		for _, t := range list.Tools {
			reg.Register(s.capabilityFor(t))
			mounted++
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	s.log.Info("mounted mcp tools", zap.Int("count", mounted))
	return mounted, nil
}

func (s *MCPSource) capabilityFor(t *mcp.Tool) Capability {
	name := fmt.Sprintf("%s_%s", s.name, t.Name)
	remote := t.Name
	return Capability{
		Def: Definition{
			Name:        name,
			Description: t.Description,
			Schema:      convertSchema(t.InputSchema),
		},
		Meta: Metadata{RequiresApproval: true, Risk: approval.RiskMedium},
		Exec: func(ctx context.Context, inv Invocation, raw json.RawMessage) (string, error) {
			var args map[string]interface{}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
				}
			}
			res, err := s.session.CallTool(ctx, &mcp.CallToolParams{Name: remote, Arguments: args})
			if err != nil {
				return "", fmt.Errorf("call %s: %w", name, err)
			}
			text := textContent(res.Content)
			if res.IsError {
				if text == "" {
					text = fmt.Sprintf("%s reported an error without detail", name)
				}
				return "", errors.New(text)
			}
			return text, nil
		},
	}
}

// convertSchema normalizes whatever schema the server advertised through
// a JSON roundtrip, so the registry never aliases SDK-owned state. Servers
// that advertise nothing get an empty object schema.
func convertSchema(in any) *jsonschema.Schema {
	fallback := &jsonschema.Schema{Type: "object"}
	if in == nil {
		return fallback
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return fallback
	}
	out := &jsonschema.Schema{}
	if err := json.Unmarshal(raw, out); err != nil {
		return fallback
	}
	if out.Type == "" {
		out.Type = "object"
	}
	return out
}

func textContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Close tears down the session and, for stdio servers, the subprocess.
func (s *MCPSource) Close() error {
	return s.session.Close()
}
