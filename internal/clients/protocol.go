package clients

// Message 是前台客户端与后台代理之间的统一消息信封。
// 代理协议只有两种消息：SKIP_WAITING（客户端 → 等待中的代理）
// 与 PUSH_RECEIVED（代理 → 所有客户端）。其余类型是发给客户端的
// UI 提示帧，复用同一信封但不属于代理协议。
type Message struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

const (
	// TypeSkipWaiting asks the waiting agent to take control now.
	TypeSkipWaiting = "SKIP_WAITING"

	// TypePushReceived tells every open client that a push arrived. It is
	// informational; no payload beyond the type tag is required.
	TypePushReceived = "PUSH_RECEIVED"

	// TypeUpdateAvailable surfaces the dismissible update affordance.
	TypeUpdateAvailable = "UPDATE_AVAILABLE"

	// TypeControllerChange signals that control passed to a new agent and
	// the client should reload exactly once.
	TypeControllerChange = "CONTROLLER_CHANGE"

	// TypeNavigate directs a focused client to a new in-app URL.
	TypeNavigate = "NAVIGATE"
)
