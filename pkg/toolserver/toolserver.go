// Package toolserver builds the MCP tool server that lives inside a session.
// Each instance captures the caller's effective token at creation time; every
// tool call it makes against the REST backend is scoped to that caller. The
// tools themselves are thin lookups; game rules and campaign content live in
// the backend.
package toolserver

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lorekeeper/mcp-bridge/pkg/apiclient"
)

const serverName = "lorekeeper"

// New creates a tool server bound to the given effective token.
func New(api *apiclient.Client, token, version string) *server.MCPServer {
	ts := &toolServer{api: api, token: token}

	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(mcp.NewTool("lookup_spell",
		mcp.WithDescription("Look up a spell in the game-data tables by name"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the spell"),
		),
	), ts.handleLookupSpell)

	s.AddTool(mcp.NewTool("lookup_monster",
		mcp.WithDescription("Look up a monster stat block by name"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the monster"),
		),
	), ts.handleLookupMonster)

	s.AddTool(mcp.NewTool("get_character_sheet",
		mcp.WithDescription("Fetch a character sheet the caller has access to"),
		mcp.WithString("character_id",
			mcp.Required(),
			mcp.Description("Identifier of the character"),
		),
	), ts.handleGetCharacterSheet)

	return s
}

type toolServer struct {
	api   *apiclient.Client
	token string
}

func (t *toolServer) handleLookupSpell(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return t.fetch(ctx, "/api/v1/gamedata/spells?name="+url.QueryEscape(name))
}

func (t *toolServer) handleLookupMonster(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return t.fetch(ctx, "/api/v1/gamedata/monsters?name="+url.QueryEscape(name))
}

func (t *toolServer) handleGetCharacterSheet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("character_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return t.fetch(ctx, "/api/v1/characters/"+url.PathEscape(id))
}

func (t *toolServer) fetch(ctx context.Context, path string) (*mcp.CallToolResult, error) {
	body, err := t.api.Fetch(ctx, t.token, path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}
