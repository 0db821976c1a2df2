package streamable

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/flekschas/mcp-web/pkg/bridge"
	"github.com/flekschas/mcp-web/pkg/bridge/correlator"
	"github.com/flekschas/mcp-web/pkg/bridge/session"
	"github.com/flekschas/mcp-web/pkg/logger"
	"github.com/flekschas/mcp-web/pkg/transport/types"
)

// HeaderMCPSessionID carries the MCP session id on every request after
// initialize, and on the initialize response.
const HeaderMCPSessionID = "Mcp-Session-Id"

const defaultProtocolVersion = "2024-11-05"

// Methods the pinned mcp-go version does not export constants for.
const (
	methodPing          = "ping"
	methodResourcesRead = "resources/read"
	methodPromptsGet    = "prompts/get"
)

// ServerInfo describes the bridge in initialize responses and on plain GETs.
type ServerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools     toolsCapability `json:"tools"`
	Resources struct{}        `json:"resources"`
	Prompts   struct{}        `json:"prompts"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type metaParams struct {
	SessionID string `json:"sessionId"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *metaParams     `json:"_meta,omitempty"`
}

type readResourceParams struct {
	URI  string      `json:"uri"`
	Meta *metaParams `json:"_meta,omitempty"`
}

type getPromptParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *metaParams     `json:"_meta,omitempty"`
}

// Config tunes the MCP handler.
type Config struct {
	// Info is published in serverInfo.
	Info ServerInfo

	// ValidateToolInput checks call arguments against the tool's declared
	// input schema before forwarding.
	ValidateToolInput bool
}

// Handler serves the MCP surface: JSON-RPC over POST, the SSE side-channel
// over GET, and session teardown over DELETE. One handler serves all MCP
// clients; per-client state lives in the session store.
type Handler struct {
	cfg      Config
	registry *session.Registry
	calls    *correlator.Correlator
	store    *SessionStore
	builtins map[string]builtinTool
}

// NewHandler wires the MCP surface over the given registry and correlator.
func NewHandler(cfg Config, registry *session.Registry, calls *correlator.Correlator, store *SessionStore) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		calls:    calls,
		store:    store,
		builtins: builtinTools(),
	}
}

// Store returns the MCP session store.
func (h *Handler) Store() *SessionStore { return h.store }

// HandleRequest serves one buffered HTTP request against the MCP surface.
func (h *Handler) HandleRequest(ctx context.Context, req *types.HTTPRequest) *types.HTTPResponse {
	switch req.Method {
	case http.MethodOptions:
		return &types.HTTPResponse{Status: http.StatusNoContent, Headers: corsHeaders(nil)}
	case http.MethodPost:
		return h.handlePost(ctx, req)
	case http.MethodGet:
		return h.handleGet(req)
	case http.MethodDelete:
		return h.handleDelete(req)
	default:
		return jsonResponse(http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (h *Handler) handlePost(ctx context.Context, req *types.HTTPRequest) *types.HTTPResponse {
	msg, err := jsonrpc2.DecodeMessage([]byte(req.Body))
	if err != nil {
		logger.Warnf("rejecting undecodable JSON-RPC body: %v", err)
		// No request id to echo, so the error response is built by hand.
		return jsonResponse(http.StatusBadRequest, map[string]any{
			"jsonrpc": "2.0",
			"id":      nil,
			"error": map[string]any{
				"code":    bridge.JSONRPCInvalidRequest,
				"message": "malformed JSON-RPC request",
			},
		})
	}

	// Notifications and stray responses, including notifications/initialized,
	// are acknowledged with 202 and otherwise ignored.
	rpcReq, ok := msg.(*jsonrpc2.Request)
	if !ok || !rpcReq.IsCall() {
		return &types.HTTPResponse{Status: http.StatusAccepted, Headers: corsHeaders(nil)}
	}

	switch rpcReq.Method {
	case string(mcp.MethodInitialize):
		return h.handleInitialize(req, rpcReq)
	case methodPing:
		return rpcResult(rpcReq.ID, struct{}{}, nil)
	}

	client, errResp := h.requireClient(req, rpcReq.ID)
	if errResp != nil {
		return errResp
	}

	switch rpcReq.Method {
	case string(mcp.MethodToolsList):
		return h.handleToolsList(rpcReq, client)
	case string(mcp.MethodToolsCall):
		return h.handleToolsCall(ctx, rpcReq, client)
	case string(mcp.MethodResourcesList):
		return h.handleResourcesList(rpcReq, client)
	case methodResourcesRead:
		return h.handleResourcesRead(ctx, rpcReq, client)
	case string(mcp.MethodPromptsList):
		return h.handlePromptsList(rpcReq, client)
	case methodPromptsGet:
		return h.handlePromptsGet(ctx, rpcReq, client)
	default:
		logger.Debugw("unknown mcp method", "method", rpcReq.Method)
		return rpcError(rpcReq.ID, bridge.CodeUnknownMethod)
	}
}

func (h *Handler) handleInitialize(req *types.HTTPRequest, rpcReq *jsonrpc2.Request) *types.HTTPResponse {
	token, err := clientToken(req)
	if err != nil {
		return rpcError(rpcReq.ID, bridge.CodeOf(err))
	}

	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(rpcReq.Params) > 0 {
		if err := json.Unmarshal(rpcReq.Params, &params); err != nil {
			return rpcErrorWith(rpcReq.ID, jsonrpc2.NewError(-32602, "invalid initialize params"))
		}
	}
	version := params.ProtocolVersion
	if version == "" {
		version = defaultProtocolVersion
	}

	client := h.store.Create(token)
	logger.Infow("mcp session initialized", "mcp_session_id", client.ID(), "protocol_version", version)

	result := initializeResult{
		ProtocolVersion: version,
		Capabilities:    serverCapabilities{Tools: toolsCapability{ListChanged: true}},
		ServerInfo:      h.cfg.Info,
	}
	return rpcResult(rpcReq.ID, result, map[string]string{HeaderMCPSessionID: client.ID()})
}

func (h *Handler) requireClient(req *types.HTTPRequest, id jsonrpc2.ID) (*ClientSession, *types.HTTPResponse) {
	sid := req.Header.Get(HeaderMCPSessionID)
	if sid == "" {
		return nil, rpcError(id, bridge.CodeSessionNotFound)
	}
	client, ok := h.store.Get(sid)
	if !ok {
		return nil, rpcError(id, bridge.CodeSessionNotFound)
	}
	return client, nil
}

func (h *Handler) handleToolsList(rpcReq *jsonrpc2.Request, client *ClientSession) *types.HTTPResponse {
	token := client.AuthToken()
	sessions := h.registry.SessionsForToken(token)
	multi := len(sessions) > 1

	builtinDefs := h.sortedBuiltinDefs()
	tools := make([]mcp.Tool, 0, len(builtinDefs)+8)
	for _, def := range builtinDefs {
		tools = append(tools, toMCPTool(def, false))
	}

	if len(sessions) == 0 {
		// No frontends to serve; hand back the built-ins plus recovery
		// context in the tools soft-error shape.
		return rpcResult(rpcReq.ID, map[string]any{
			"tools":             tools,
			"isError":           true,
			"error":             string(bridge.CodeSessionNotFound),
			"availableSessions": []any{},
		}, nil)
	}

	seen := make(map[string]struct{})
	var aggregated []bridge.ToolDefinition
	for _, s := range sessions {
		for _, def := range s.Tools() {
			key := def.Name + "|" + bridge.ToolSchemaKey(def.InputSchema, def.OutputSchema)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			aggregated = append(aggregated, def)
		}
	}
	sort.Slice(aggregated, func(i, j int) bool { return aggregated[i].Name < aggregated[j].Name })
	for _, def := range aggregated {
		tools = append(tools, toMCPTool(def, multi))
	}

	result := mcp.ListToolsResult{Tools: tools}
	if multi {
		result.Meta = &mcp.Meta{AdditionalFields: map[string]any{
			"available_sessions": h.registry.Summaries(token),
		}}
	}
	return rpcResult(rpcReq.ID, result, nil)
}

func (h *Handler) handleToolsCall(ctx context.Context, rpcReq *jsonrpc2.Request, client *ClientSession) *types.HTTPResponse {
	var params callToolParams
	if err := json.Unmarshal(rpcReq.Params, &params); err != nil || params.Name == "" {
		return rpcErrorWith(rpcReq.ID, jsonrpc2.NewError(-32602, "invalid tools/call params"))
	}
	token := client.AuthToken()

	if builtin, ok := h.builtins[params.Name]; ok {
		res, err := builtin.run(h.registry, token)
		if err != nil {
			return rpcError(rpcReq.ID, bridge.CodeOf(err))
		}
		return rpcResult(rpcReq.ID, res, nil)
	}

	target, soft := h.selectToolSession(token, &params)
	if soft != nil {
		return rpcResult(rpcReq.ID, soft, nil)
	}

	def, ok := target.Tool(params.Name)
	if !ok {
		return rpcResult(rpcReq.ID, softError(bridge.CodeToolNotFound, map[string]any{
			"available_tools": target.ToolNames(),
		}), nil)
	}

	args := stripSessionID(params.Arguments)
	if h.cfg.ValidateToolInput {
		if valid, detail := validToolInput(def.InputSchema, args); !valid {
			return rpcResult(rpcReq.ID, softError(bridge.CodeInvalidToolInput, map[string]any{
				"detail": detail,
			}), nil)
		}
	}

	payload, err := h.calls.CallTool(ctx, target, params.Name, args)
	if err != nil {
		return h.callFailure(rpcReq.ID, params.Name, err)
	}

	result := &mcp.CallToolResult{Content: resultContent(payload)}
	if len(def.OutputSchema) > 0 {
		result.StructuredContent = structuredResult(payload)
	}
	return rpcResult(rpcReq.ID, result, nil)
}

// selectToolSession resolves which frontend session serves the call, or
// returns the soft error that explains why none could be chosen.
func (h *Handler) selectToolSession(token string, params *callToolParams) (*session.Session, *mcp.CallToolResult) {
	sessions := h.registry.SessionsForToken(token)
	if len(sessions) == 0 {
		return nil, softError(bridge.CodeSessionNotFound, map[string]any{
			"available_sessions": []any{},
		})
	}

	if explicit := explicitSessionID(params); explicit != "" {
		s, ok := h.registry.Get(explicit)
		if !ok || s.AuthToken() != token {
			return nil, softError(bridge.CodeSessionNotFound, map[string]any{
				"available_sessions": h.registry.Summaries(token),
			})
		}
		return s, nil
	}

	var owners []*session.Session
	for _, s := range sessions {
		if _, ok := s.Tool(params.Name); ok {
			owners = append(owners, s)
		}
	}
	switch len(owners) {
	case 1:
		return owners[0], nil
	case 0:
		return nil, softError(bridge.CodeToolNotFound, map[string]any{
			"available_tools": unionToolNames(sessions),
		})
	default:
		summaries := make([]bridge.SessionSummary, 0, len(owners))
		for _, s := range owners {
			summaries = append(summaries, s.Summary())
		}
		return nil, softError(bridge.CodeSessionNotSpecified, map[string]any{
			"available_sessions": summaries,
		})
	}
}

func (h *Handler) handleResourcesList(rpcReq *jsonrpc2.Request, client *ClientSession) *types.HTTPResponse {
	seen := make(map[string]struct{})
	resources := make([]mcp.Resource, 0)
	for _, s := range h.registry.SessionsForToken(client.AuthToken()) {
		for _, def := range s.Resources() {
			if _, dup := seen[def.URI]; dup {
				continue
			}
			seen[def.URI] = struct{}{}
			resources = append(resources, mcp.Resource{
				URI:         def.URI,
				Name:        def.Name,
				Description: def.Description,
				MIMEType:    def.MimeType,
			})
		}
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].URI < resources[j].URI })
	return rpcResult(rpcReq.ID, mcp.ListResourcesResult{Resources: resources}, nil)
}

func (h *Handler) handleResourcesRead(ctx context.Context, rpcReq *jsonrpc2.Request, client *ClientSession) *types.HTTPResponse {
	var params readResourceParams
	if err := json.Unmarshal(rpcReq.Params, &params); err != nil || params.URI == "" {
		return rpcErrorWith(rpcReq.ID, jsonrpc2.NewError(-32602, "invalid resources/read params"))
	}
	token := client.AuthToken()

	target, def, soft := h.selectBySelector(token, params.Meta,
		func(s *session.Session) (any, bool) {
			def, ok := s.Resource(params.URI)
			return def, ok
		},
		bridge.CodeResourceNotFound,
		func(sessions []*session.Session) map[string]any {
			return map[string]any{"available_resources": unionResourceURIs(sessions)}
		})
	if soft != nil {
		return rpcResult(rpcReq.ID, soft, nil)
	}
	resourceDef := def.(bridge.ResourceDefinition)

	payload, err := h.calls.ReadResource(ctx, target, params.URI)
	if err != nil {
		return h.callFailure(rpcReq.ID, params.URI, err)
	}

	// Frontends answering in the MCP wire shape pass through untouched.
	if gjson.GetBytes(payload, "contents").IsArray() {
		return rpcResult(rpcReq.ID, json.RawMessage(payload), nil)
	}

	mimeType := resourceDef.MimeType
	if mimeType == "" {
		mimeType = "text/plain"
	}
	contents := []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      params.URI,
			MIMEType: mimeType,
			Text:     payloadText(payload),
		},
	}
	return rpcResult(rpcReq.ID, map[string]any{"contents": contents}, nil)
}

func (h *Handler) handlePromptsList(rpcReq *jsonrpc2.Request, client *ClientSession) *types.HTTPResponse {
	seen := make(map[string]struct{})
	prompts := make([]mcp.Prompt, 0)
	for _, s := range h.registry.SessionsForToken(client.AuthToken()) {
		for _, def := range s.Prompts() {
			if _, dup := seen[def.Name]; dup {
				continue
			}
			seen[def.Name] = struct{}{}
			args := make([]mcp.PromptArgument, 0, len(def.Arguments))
			for _, a := range def.Arguments {
				args = append(args, mcp.PromptArgument{
					Name:        a.Name,
					Description: a.Description,
					Required:    a.Required,
				})
			}
			prompts = append(prompts, mcp.Prompt{
				Name:        def.Name,
				Description: def.Description,
				Arguments:   args,
			})
		}
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return rpcResult(rpcReq.ID, mcp.ListPromptsResult{Prompts: prompts}, nil)
}

func (h *Handler) handlePromptsGet(ctx context.Context, rpcReq *jsonrpc2.Request, client *ClientSession) *types.HTTPResponse {
	var params getPromptParams
	if err := json.Unmarshal(rpcReq.Params, &params); err != nil || params.Name == "" {
		return rpcErrorWith(rpcReq.ID, jsonrpc2.NewError(-32602, "invalid prompts/get params"))
	}
	token := client.AuthToken()

	target, def, soft := h.selectBySelector(token, params.Meta,
		func(s *session.Session) (any, bool) {
			def, ok := s.Prompt(params.Name)
			return def, ok
		},
		bridge.CodePromptNotFound,
		func(sessions []*session.Session) map[string]any {
			return map[string]any{"available_prompts": unionPromptNames(sessions)}
		})
	if soft != nil {
		return rpcResult(rpcReq.ID, soft, nil)
	}
	promptDef := def.(bridge.PromptDefinition)

	payload, err := h.calls.GetPrompt(ctx, target, params.Name, params.Arguments)
	if err != nil {
		return h.callFailure(rpcReq.ID, params.Name, err)
	}

	// Frontends answering in the MCP wire shape pass through untouched.
	if gjson.GetBytes(payload, "messages").IsArray() {
		return rpcResult(rpcReq.ID, json.RawMessage(payload), nil)
	}

	result := &mcp.GetPromptResult{
		Description: promptDef.Description,
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleAssistant,
				Content: mcp.NewTextContent(payloadText(payload)),
			},
		},
	}
	return rpcResult(rpcReq.ID, result, nil)
}

// selectBySelector is the shared session-selection path for resources and
// prompts: explicit _meta.sessionId wins, then single ownership, otherwise a
// soft error mirroring the tools pattern.
func (h *Handler) selectBySelector(
	token string,
	meta *metaParams,
	lookup func(*session.Session) (any, bool),
	notFound bridge.Code,
	notFoundFields func([]*session.Session) map[string]any,
) (*session.Session, any, *mcp.CallToolResult) {
	sessions := h.registry.SessionsForToken(token)
	if len(sessions) == 0 {
		return nil, nil, softError(bridge.CodeSessionNotFound, map[string]any{
			"available_sessions": []any{},
		})
	}

	if meta != nil && meta.SessionID != "" {
		s, ok := h.registry.Get(meta.SessionID)
		if !ok || s.AuthToken() != token {
			return nil, nil, softError(bridge.CodeSessionNotFound, map[string]any{
				"available_sessions": h.registry.Summaries(token),
			})
		}
		def, ok := lookup(s)
		if !ok {
			return nil, nil, softError(notFound, notFoundFields(sessions))
		}
		return s, def, nil
	}

	var (
		owners []*session.Session
		defs   []any
	)
	for _, s := range sessions {
		if def, ok := lookup(s); ok {
			owners = append(owners, s)
			defs = append(defs, def)
		}
	}
	switch len(owners) {
	case 1:
		return owners[0], defs[0], nil
	case 0:
		return nil, nil, softError(notFound, notFoundFields(sessions))
	default:
		summaries := make([]bridge.SessionSummary, 0, len(owners))
		for _, s := range owners {
			summaries = append(summaries, s.Summary())
		}
		return nil, nil, softError(bridge.CodeSessionNotSpecified, map[string]any{
			"available_sessions": summaries,
		})
	}
}

func (h *Handler) handleGet(req *types.HTTPRequest) *types.HTTPResponse {
	if !strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		return jsonResponse(http.StatusOK, h.cfg.Info)
	}

	sid := req.Header.Get(HeaderMCPSessionID)
	if sid == "" {
		return sseErrorResponse("Mcp-Session-Id header required")
	}
	client, ok := h.store.Get(sid)
	if !ok {
		return sseErrorResponse(string(bridge.CodeSessionNotFound))
	}

	done := make(chan struct{})
	var st *stream
	return &types.HTTPResponse{
		Status:  http.StatusOK,
		Headers: sseHeaders(),
		SSE: &types.SSEHook{
			OnOpen: func(w types.SSEWriter) {
				st = client.AttachStream(w, done)
				logger.Debugw("sse stream attached", "mcp_session_id", client.ID())
			},
			OnClose: func() {
				if st != nil {
					client.DetachStream(st)
				}
				logger.Debugw("sse stream detached", "mcp_session_id", client.ID())
			},
			Done: done,
		},
	}
}

func (h *Handler) handleDelete(req *types.HTTPRequest) *types.HTTPResponse {
	sid := req.Header.Get(HeaderMCPSessionID)
	if sid == "" {
		return jsonResponse(http.StatusBadRequest, map[string]any{"error": "Mcp-Session-Id header required"})
	}
	if !h.store.Delete(sid) {
		return jsonResponse(http.StatusNotFound, map[string]any{"error": string(bridge.CodeSessionNotFound)})
	}
	logger.Infow("mcp session deleted", "mcp_session_id", sid)
	return jsonResponse(http.StatusOK, map[string]any{"success": true})
}

// callFailure maps a correlator error onto the wire: fatal codes become
// JSON-RPC errors, everything else a soft result the client can recover from.
func (h *Handler) callFailure(id jsonrpc2.ID, what string, err error) *types.HTTPResponse {
	code := bridge.CodeOf(err)
	logger.Debugw("bridged call failed", "target", what, "code", code, "error", err)
	if code.Fatal() {
		return rpcError(id, code)
	}
	return rpcResult(id, softError(code, nil), nil)
}

func (h *Handler) sortedBuiltinDefs() []bridge.ToolDefinition {
	defs := make([]bridge.ToolDefinition, 0, len(h.builtins))
	for _, b := range h.builtins {
		defs = append(defs, b.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func explicitSessionID(params *callToolParams) string {
	if len(params.Arguments) > 0 {
		if v := gjson.GetBytes(params.Arguments, "session_id"); v.Type == gjson.String {
			return v.String()
		}
	}
	if params.Meta != nil {
		return params.Meta.SessionID
	}
	return ""
}

func stripSessionID(args json.RawMessage) json.RawMessage {
	if len(args) == 0 || !gjson.GetBytes(args, "session_id").Exists() {
		return args
	}
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return args
	}
	delete(m, "session_id")
	out, err := json.Marshal(m)
	if err != nil {
		return args
	}
	return out
}

func unionToolNames(sessions []*session.Session) []string {
	return unionSorted(sessions, func(s *session.Session) []string { return s.ToolNames() })
}

func unionResourceURIs(sessions []*session.Session) []string {
	return unionSorted(sessions, func(s *session.Session) []string {
		defs := s.Resources()
		uris := make([]string, 0, len(defs))
		for _, d := range defs {
			uris = append(uris, d.URI)
		}
		return uris
	})
}

func unionPromptNames(sessions []*session.Session) []string {
	return unionSorted(sessions, func(s *session.Session) []string {
		defs := s.Prompts()
		names := make([]string, 0, len(defs))
		for _, d := range defs {
			names = append(names, d.Name)
		}
		return names
	})
}

func unionSorted(sessions []*session.Session, get func(*session.Session) []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, s := range sessions {
		for _, name := range get(s) {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func toMCPTool(def bridge.ToolDefinition, needsSessionID bool) mcp.Tool {
	schema := def.InputSchema
	if needsSessionID {
		schema = annotateSchemaWithSessionID(schema)
	}
	if len(schema) == 0 {
		schema = emptyObjectSchema
	}
	return mcp.Tool{
		Name:           def.Name,
		Description:    def.Description,
		RawInputSchema: schema,
	}
}

// annotateSchemaWithSessionID injects a required session_id property so MCP
// clients learn how to disambiguate when several sessions share the token.
func annotateSchemaWithSessionID(raw json.RawMessage) json.RawMessage {
	schema := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
			schema = make(map[string]any)
		}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = make(map[string]any)
	}
	props["session_id"] = map[string]any{
		"type":        "string",
		"description": "Id of the target browser session. Required while multiple sessions share this token; call list_sessions to enumerate them.",
	}
	schema["properties"] = props

	required, _ := schema["required"].([]any)
	present := false
	for _, r := range required {
		if r == "session_id" {
			present = true
			break
		}
	}
	if !present {
		required = append(required, "session_id")
	}
	schema["required"] = required

	out, err := json.Marshal(schema)
	if err != nil {
		return raw
	}
	return out
}

func softError(code bridge.Code, fields map[string]any) *mcp.CallToolResult {
	payload := map[string]any{"error": string(code)}
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"error":"` + string(code) + `"}`)
	}
	return mcp.NewToolResultError(string(data))
}

// payloadText renders an opaque result payload for a text slot: strings pass
// through, everything else keeps its JSON text.
func payloadText(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}

func corsHeaders(extra map[string]string) map[string]string {
	headers := map[string]string{
		"Access-Control-Allow-Origin":   "*",
		"Access-Control-Allow-Methods":  "GET, POST, DELETE, OPTIONS",
		"Access-Control-Allow-Headers":  "Content-Type, Authorization, Mcp-Session-Id",
		"Access-Control-Expose-Headers": HeaderMCPSessionID,
	}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func sseHeaders() map[string]string {
	return corsHeaders(map[string]string{
		"Content-Type":  "text/event-stream",
		"Cache-Control": "no-cache",
		"Connection":    "keep-alive",
	})
}

func jsonResponse(status int, body any) *types.HTTPResponse {
	data, err := json.Marshal(body)
	if err != nil {
		logger.Errorf("encoding response body: %v", err)
		data = []byte(`{}`)
	}
	return &types.HTTPResponse{
		Status:  status,
		Headers: corsHeaders(map[string]string{"Content-Type": "application/json"}),
		Body:    data,
	}
}

func rpcResult(id jsonrpc2.ID, result any, extraHeaders map[string]string) *types.HTTPResponse {
	data, err := json.Marshal(result)
	if err != nil {
		logger.Errorf("encoding rpc result: %v", err)
		return rpcError(id, bridge.CodeInternalError)
	}
	resp := &jsonrpc2.Response{ID: id, Result: json.RawMessage(data)}
	return encodeRPC(http.StatusOK, resp, extraHeaders)
}

// rpcError renders a fatal bridge code as a JSON-RPC error whose message is
// the code itself; clients dispatch on it.
func rpcError(id jsonrpc2.ID, code bridge.Code) *types.HTTPResponse {
	resp := &jsonrpc2.Response{ID: id, Error: jsonrpc2.NewError(code.JSONRPCCode(), string(code))}
	return encodeRPC(http.StatusOK, resp, nil)
}

func rpcErrorWith(id jsonrpc2.ID, err error) *types.HTTPResponse {
	resp := &jsonrpc2.Response{ID: id, Error: err}
	return encodeRPC(http.StatusOK, resp, nil)
}

func encodeRPC(status int, resp *jsonrpc2.Response, extraHeaders map[string]string) *types.HTTPResponse {
	body, err := jsonrpc2.EncodeMessage(resp)
	if err != nil {
		logger.Errorf("encoding rpc response: %v", err)
		return &types.HTTPResponse{
			Status:  http.StatusInternalServerError,
			Headers: corsHeaders(map[string]string{"Content-Type": "application/json"}),
			Body:    []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"InternalError"}}`),
		}
	}
	headers := corsHeaders(map[string]string{"Content-Type": "application/json"})
	for k, v := range extraHeaders {
		headers[k] = v
	}
	return &types.HTTPResponse{Status: status, Headers: headers, Body: body}
}

func sseErrorResponse(message string) *types.HTTPResponse {
	done := make(chan struct{})
	return &types.HTTPResponse{
		Status:  http.StatusOK,
		Headers: sseHeaders(),
		SSE: &types.SSEHook{
			OnOpen: func(w types.SSEWriter) {
				if err := w.WriteNamedEvent("error", message); err != nil {
					logger.Debugf("writing sse error event: %v", err)
				}
				close(done)
			},
			OnClose: func() {},
			Done:    done,
		},
	}
}

func clientToken(req *types.HTTPRequest) (string, error) {
	if auth := req.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
			return "", bridge.NewError(bridge.CodeInvalidAuthentication, "authorization header is not a bearer credential")
		}
		token := strings.TrimSpace(auth[len(prefix):])
		if token == "" {
			return "", bridge.NewError(bridge.CodeInvalidAuthentication, "empty bearer token")
		}
		return token, nil
	}
	if token := req.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", bridge.NewError(bridge.CodeMissingAuthentication, "no bearer token or token query parameter")
}
