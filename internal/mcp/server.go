package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Tool is one callable operation. Run returns the text shown to the client;
// an error is reported to the client as a failed call.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Run         func(ctx context.Context, args json.RawMessage) (string, error)
}

// Resource is readable text addressed by URI.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Read        func(ctx context.Context) (string, error)
}

// Server answers MCP requests for a fixed set of tools and resources.
type Server struct {
	name, version string

	tools     []Tool
	resources []Resource

	in     io.Reader
	out    io.Writer
	logger *slog.Logger
	mu     sync.Mutex // serializes writes
}

type Option func(*Server)

// WithIO replaces stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(s *Server) { s.in, s.out = in, out }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(name, version string, opts ...Option) *Server {
	s := &Server{name: name, version: version, in: os.Stdin, out: os.Stdout}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

func (s *Server) AddTool(t Tool)         { s.tools = append(s.tools, t) }
func (s *Server) AddResource(r Resource) { s.resources = append(s.resources, r) }

// maxMessage bounds one JSON-RPC line.
const maxMessage = 10 << 20

// Serve handles requests until the input closes or ctx is cancelled.
// Requests are handled in order; a tool call blocks later requests.
func (s *Server) Serve(ctx context.Context) error {
	sc := bufio.NewScanner(s.in)
	sc.Buffer(make([]byte, 0, 64*1024), maxMessage)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handle(ctx, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("mcp: read: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, line []byte) {
	msgs := []json.RawMessage{line}
	if line[0] == '[' {
		if err := json.Unmarshal(line, &msgs); err != nil {
			s.write(errorResponse(nil, codeParse, "parse error"))
			return
		}
	}
	for _, m := range msgs {
		var req request
		if err := json.Unmarshal(m, &req); err != nil {
			s.write(errorResponse(nil, codeParse, "parse error"))
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(*resp)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *request) *response {
	s.logger.Debug("mcp request", "method", req.Method)
	switch req.Method {
	case "initialize":
		var caps capabilities
		if len(s.tools) > 0 {
			caps.Tools = &struct{}{}
		}
		if len(s.resources) > 0 {
			caps.Resources = &struct{}{}
		}
		return result(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    caps,
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		})
	case "ping":
		return result(req.ID, struct{}{})
	case "tools/list":
		defs := make([]toolDef, len(s.tools))
		for i, t := range s.tools {
			defs[i] = toolDef{Name: t.Name, Description: t.Description, InputSchema: t.Schema}
		}
		return result(req.ID, map[string]any{"tools": defs})
	case "tools/call":
		return s.call(ctx, req)
	case "resources/list":
		defs := make([]resourceDef, len(s.resources))
		for i, r := range s.resources {
			defs[i] = resourceDef{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType}
		}
		return result(req.ID, map[string]any{"resources": defs})
	case "resources/read":
		return s.read(ctx, req)
	}
	if req.notification() {
		return nil
	}
	resp := errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	return &resp
}

func (s *Server) call(ctx context.Context, req *request) *response {
	var p callParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		resp := errorResponse(req.ID, codeInvalidParams, "invalid params: "+err.Error())
		return &resp
	}
	for _, t := range s.tools {
		if t.Name != p.Name {
			continue
		}
		text, err := t.Run(ctx, p.Arguments)
		if err != nil {
			s.logger.Warn("mcp tool failed", "tool", t.Name, "error", err)
			return result(req.ID, callResult{Content: []content{{Type: "text", Text: err.Error()}}, IsError: true})
		}
		return result(req.ID, callResult{Content: []content{{Type: "text", Text: text}}})
	}
	return result(req.ID, callResult{Content: []content{{Type: "text", Text: "unknown tool: " + p.Name}}, IsError: true})
}

func (s *Server) read(ctx context.Context, req *request) *response {
	var p readParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		resp := errorResponse(req.ID, codeInvalidParams, "invalid params: "+err.Error())
		return &resp
	}
	for _, r := range s.resources {
		if r.URI != p.URI {
			continue
		}
		text, err := r.Read(ctx)
		if err != nil {
			resp := errorResponse(req.ID, codeInvalidParams, err.Error())
			return &resp
		}
		return result(req.ID, map[string]any{"contents": []resourceText{{URI: r.URI, MimeType: r.MimeType, Text: text}}})
	}
	resp := errorResponse(req.ID, codeInvalidParams, "resource not found: "+p.URI)
	return &resp
}

func result(id json.RawMessage, v any) *response {
	return &response{JSONRPC: jsonrpcVersion, ID: id, Result: v}
}

func errorResponse(id json.RawMessage, code int, msg string) response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return response{JSONRPC: jsonrpcVersion, ID: id, Error: &rpcError{Code: code, Message: msg}}
}

func (s *Server) write(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal response", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("mcp write response", "error", err)
	}
}
