// Package mcp exposes the project workflow to the orchestration agent as
// MCP tools over streamable HTTP.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/store"
	"github.com/HyphaGroup/portcullis/internal/workflow"
)

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server wraps the MCP server with the workflow machine and store
type Server struct {
	store     *store.Store
	machine   *workflow.Machine
	mcpServer *mcp.Server
}

// NewServer creates the MCP server and registers all tools
func NewServer(st *store.Store, machine *workflow.Machine) *Server {
	s := &Server{
		store:   st,
		machine: machine,
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "portcullis",
		Version: "0.1.0",
	}, nil)
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP handler, wrapped with request ID
// logging
func (s *Server) Handler() http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		r = r.WithContext(ctx)

		logger.Info("MCP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		mcpHandler.ServeHTTP(w, r)
	})
}
