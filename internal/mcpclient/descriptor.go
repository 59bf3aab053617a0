// Package mcpclient parses --mcp-server descriptors and provides client
// sessions against them. internal/plan stores the parsed descriptors in the
// ExecutionPlan; they are not passed to internal/provider, and no run opens
// a session.
package mcpclient

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerDescriptor is one parsed --mcp-server name=command flag value.
type ServerDescriptor struct {
	Name    string
	Command string
	Args    []string
}

// ParseDescriptor parses a single "name=command arg1 arg2" flag value.
func ParseDescriptor(spec string) (ServerDescriptor, error) {
	name, rest, ok := strings.Cut(spec, "=")
	if !ok || name == "" || rest == "" {
		return ServerDescriptor{}, fmt.Errorf("mcp-server flag must be name=command, got %q", spec)
	}
	fields := strings.Fields(rest)
	return ServerDescriptor{Name: name, Command: fields[0], Args: fields[1:]}, nil
}

// ParseDescriptors parses every --mcp-server value supplied on one
// invocation, rejecting duplicate names.
func ParseDescriptors(specs []string) ([]ServerDescriptor, error) {
	seen := make(map[string]bool, len(specs))
	out := make([]ServerDescriptor, 0, len(specs))
	for _, spec := range specs {
		d, err := ParseDescriptor(spec)
		if err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate mcp-server name %q", d.Name)
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out, nil
}

// Session is one connected MCP server process; it stays open until Close
// is called.
type Session struct {
	Name    string
	session *mcp.ClientSession
}

// Connect launches the descriptor's command over stdio and performs the MCP
// initialize handshake, mirroring the teacher's server-side
// mcp.Implementation/mcp.ServerOptions construction on the client side.
func Connect(ctx context.Context, d ServerDescriptor) (*Session, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "promptforge", Version: "0.1.0"}, nil)

	cmd := exec.CommandContext(ctx, d.Command, d.Args...)
	transport := &mcp.CommandTransport{Command: cmd}

	cs, err := client.Connect(ctx, transport)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %q: %w", d.Name, err)
	}
	return &Session{Name: d.Name, session: cs}, nil
}

// Close terminates the underlying server process and transport.
func (s *Session) Close() error {
	if s.session == nil {
		return nil
	}
	return s.session.Close()
}

// ListTools returns the tool names the connected server advertises.
func (s *Session) ListTools(ctx context.Context) ([]string, error) {
	res, err := s.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %q: %w", s.Name, err)
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// CallTool invokes one tool on the connected server and returns its text
// content joined.
func (s *Session) CallTool(ctx context.Context, tool string, args map[string]interface{}) (string, error) {
	res, err := s.session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call tool %q on %q: %w", tool, s.Name, err)
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return sb.String(), fmt.Errorf("tool %q on %q reported an error: %s", tool, s.Name, sb.String())
	}
	return sb.String(), nil
}

// Manager keeps every connected descriptor session for one run, closed
// together when the run finishes.
type Manager struct {
	sessions map[string]*Session
}

// NewManager connects every descriptor in order, closing any already-opened
// sessions if a later one fails.
func NewManager(ctx context.Context, descriptors []ServerDescriptor) (*Manager, error) {
	m := &Manager{sessions: make(map[string]*Session, len(descriptors))}
	for _, d := range descriptors {
		s, err := Connect(ctx, d)
		if err != nil {
			m.CloseAll()
			return nil, err
		}
		m.sessions[d.Name] = s
	}
	return m, nil
}

// Session returns the named server's connection, or nil if no such
// descriptor was configured for this run.
func (m *Manager) Session(name string) *Session {
	return m.sessions[name]
}

// CloseAll closes every connected session, collecting but not stopping on
// individual close errors.
func (m *Manager) CloseAll() []error {
	var errs []error
	for _, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
