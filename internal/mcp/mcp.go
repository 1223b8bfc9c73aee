// Package mcp implements the Model Context Protocol surface for Sekisho.
//
// It exposes the posture engine to MCP-compatible agents: read the current
// gateway posture for an airport, inspect cases and their decision packets,
// list actions awaiting operator approval, and search past cases. All tools
// are read-only; mutations (approve, reject, rollback) stay on the HTTP API
// where operator authentication applies.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/packets"
	"github.com/torii-ai/sekisho/internal/retrieval"
	"github.com/torii-ai/sekisho/internal/storage"
)

// Server wraps the MCP server with Sekisho's storage and packet layers.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	packets   *packets.Builder
	retriever *retrieval.Retriever
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
// retriever may be nil when hybrid search is not configured.
func New(db *storage.DB, builder *packets.Builder, retriever *retrieval.Retriever, logger *slog.Logger) *Server {
	s := &Server{
		db:        db,
		packets:   builder,
		retriever: retriever,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"sekisho",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// sekisho://cases/recent: the most recent posture evaluations.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"sekisho://cases/recent",
			"Recent Cases",
			mcplib.WithResourceDescription("Most recent posture evaluation cases across all airports"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentCases,
	)

	// sekisho://cases/{id}/packet: the decision packet for one case.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"sekisho://cases/{id}/packet",
			"Decision Packet",
			mcplib.WithTemplateDescription("Full decision packet for a case: posture, evidence, risk, actions, and latency"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handlePacketResource,
	)
}

func (s *Server) registerTools() {
	// current_posture: what the gateway is doing for an airport right now.
	s.mcpServer.AddTool(
		mcplib.NewTool("current_posture",
			mcplib.WithDescription(`Get the current gateway posture for an airport.

WHEN TO USE: Before routing or booking freight through an airport. The
posture tells you whether the gateway is accepting cargo normally (ACCEPT),
applying restrictions (RESTRICT), holding everything (HOLD), or waiting on
a human decision (ESCALATE).

Returns the latest emitted posture with the case that produced it and the
time it took effect. If no posture was ever emitted for the airport, the
gateway has no standing directive there.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("airport",
				mcplib.Description("ICAO airport code, e.g. KJFK or KORD"),
				mcplib.Required(),
			),
		),
		s.handleCurrentPosture,
	)

	// get_case: one case with its actions.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_case",
			mcplib.WithDescription(`Fetch a posture evaluation case with its proposed actions.

WHEN TO USE: To understand what the engine concluded for a specific
disruption: the case status (RUNNING, BLOCKED, RESOLVED), its scope,
and every action it proposed with the action's lifecycle state.

For the full evidence chain and risk rationale, use get_decision_packet
instead; this tool is the lightweight view.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("case_id",
				mcplib.Description("Case UUID"),
				mcplib.Required(),
			),
		),
		s.handleGetCase,
	)

	// get_decision_packet: the full audit artifact for a case.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_decision_packet",
			mcplib.WithDescription(`Fetch the complete decision packet for a case.

WHEN TO USE: When you need to explain or audit a posture decision. The
packet carries the emitted posture with provenance, the evidence and
claims it rests on, contradictions found along the way, the risk
assessment, every action with its outcome, and the posture decision
latency. This is the artifact a human reviewer reads.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("case_id",
				mcplib.Description("Case UUID"),
				mcplib.Required(),
			),
		),
		s.handlePacket,
	)

	// pending_approvals: actions waiting on an operator.
	s.mcpServer.AddTool(
		mcplib.NewTool("pending_approvals",
			mcplib.WithDescription(`List actions waiting for operator approval.

WHEN TO USE: To see what the engine wants to do but cannot without a
human sign-off. High-risk actions (holding cargo, rebooking shipments)
stop in PENDING_APPROVAL until an operator approves or rejects them
through the HTTP API. This tool is the queue view.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum actions to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handlePendingApprovals,
	)

	// search_cases: hybrid retrieval over past cases.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_cases",
			mcplib.WithDescription(`Search past cases by hybrid relevance.

WHEN TO USE: To find precedents for a disruption you are looking at.
Results are ranked by a fusion of semantic similarity, keyword match,
and graph overlap with the optional context case.

EXAMPLE QUERIES:
- "ground stop with thunderstorms at JFK"
- "low visibility holds at ORD in winter"
- "cases where cargo was rebooked through an alternate gateway"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language search query"),
				mcplib.Required(),
			),
			mcplib.WithString("case_id",
				mcplib.Description("Optional context case UUID; its graph neighborhood boosts structurally similar results"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleSearchCases,
	)
}

func (s *Server) handleRecentCases(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	cases, err := s.db.ListCases(ctx, nil, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent cases: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{"cases": cases}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal cases: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "sekisho://cases/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePacketResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := caseIDFromURI(uri)
	if err != nil {
		return nil, err
	}

	packet, err := s.packets.Build(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: build packet: %w", err)
	}

	data, err := json.MarshalIndent(packet, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal packet: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCurrentPosture(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	airport := request.GetString("airport", "")
	if airport == "" {
		return errorResult("airport is required"), nil
	}

	p, err := s.db.CurrentAirportPosture(ctx, airport)
	if errors.Is(err, storage.ErrNotFound) {
		return jsonResult(map[string]any{
			"airport": airport,
			"posture": nil,
			"note":    "no posture has been emitted for this airport",
		})
	}
	if err != nil {
		return errorResult(fmt.Sprintf("posture lookup failed: %v", err)), nil
	}

	return jsonResult(p)
}

func (s *Server) handleGetCase(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("case_id", ""))
	if err != nil {
		return errorResult("case_id must be a valid UUID"), nil
	}

	c, err := s.db.GetCase(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult("case not found"), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("case lookup failed: %v", err)), nil
	}

	actions, err := s.db.CaseActions(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("action lookup failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"case":    c,
		"actions": actions,
	})
}

func (s *Server) handlePacket(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("case_id", ""))
	if err != nil {
		return errorResult("case_id must be a valid UUID"), nil
	}

	packet, err := s.packets.Build(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult("case not found"), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("packet build failed: %v", err)), nil
	}

	return jsonResult(packet)
}

func (s *Server) handlePendingApprovals(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)

	actions, err := s.db.ListActionsByState(ctx, model.ActionPendingApproval, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("approval queue lookup failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"actions": actions,
		"total":   len(actions),
	})
}

func (s *Server) handleSearchCases(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.retriever == nil {
		return errorResult("search is not configured"), nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	var contextCase *uuid.UUID
	if raw := request.GetString("case_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("case_id must be a valid UUID"), nil
		}
		contextCase = &id
	}

	limit := request.GetInt("limit", 5)

	results, err := s.retriever.Search(ctx, query, contextCase, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"results": results,
		"total":   len(results),
	})
}

// caseIDFromURI parses the case UUID out of sekisho://cases/{id}/packet.
func caseIDFromURI(uri string) (uuid.UUID, error) {
	const prefix = "sekisho://cases/"
	const suffix = "/packet"
	if len(uri) <= len(prefix)+len(suffix) || uri[:len(prefix)] != prefix || uri[len(uri)-len(suffix):] != suffix {
		return uuid.Nil, fmt.Errorf("mcp: invalid packet URI: %s", uri)
	}
	id, err := uuid.Parse(uri[len(prefix) : len(uri)-len(suffix)])
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid case id in URI %s: %w", uri, err)
	}
	return id, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal failed: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
