package streamable

import (
	"github.com/flekschas/mcp-web/pkg/bridge/session"
)

// JSON-RPC notification methods pushed over SSE.
const (
	methodToolsListChanged     = "notifications/tools/list_changed"
	methodResourcesListChanged = "notifications/resources/list_changed"
	methodPromptsListChanged   = "notifications/prompts/list_changed"
)

func notificationBody(method string) string {
	return `{"jsonrpc":"2.0","method":"` + method + `"}`
}

// Notifier fans catalog-change events out to the MCP sessions of the mutating
// frontend's token. Sessions under other tokens never see the event.
type Notifier struct {
	store *SessionStore
}

var _ session.Notifier = (*Notifier)(nil)

// NewNotifier builds a notifier over the given store.
func NewNotifier(store *SessionStore) *Notifier {
	return &Notifier{store: store}
}

// NotifyToolsListChanged pushes notifications/tools/list_changed to the
// token's MCP sessions.
func (n *Notifier) NotifyToolsListChanged(authToken string) {
	n.broadcast(authToken, methodToolsListChanged)
}

// NotifyResourcesListChanged pushes notifications/resources/list_changed.
func (n *Notifier) NotifyResourcesListChanged(authToken string) {
	n.broadcast(authToken, methodResourcesListChanged)
}

// NotifyPromptsListChanged pushes notifications/prompts/list_changed.
func (n *Notifier) NotifyPromptsListChanged(authToken string) {
	n.broadcast(authToken, methodPromptsListChanged)
}

func (n *Notifier) broadcast(authToken, method string) {
	for _, c := range n.store.ForToken(authToken) {
		c.Notify(method)
	}
}
