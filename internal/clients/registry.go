// Package clients tracks every open foreground client (tab) attached to the
// agent and fans out protocol messages to them.
package clients

import (
	"sync"

	"github.com/google/uuid"
)

// clientBuffer 限制单个客户端允许积压的消息数，满了就丢（客户端掉线
// 不能阻塞广播）。
const clientBuffer = 16

// Client 表示一个已打开的前台页面。
type Client struct {
	ID      string
	URL     string
	Focused bool

	msgs chan Message

	mu     sync.Mutex
	closed bool
}

// Messages 返回该客户端的接收通道，由流式下发端点消费。
func (c *Client) Messages() <-chan Message {
	return c.msgs
}

func (c *Client) deliver(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.msgs <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.msgs)
	}
}

// Registry 维护所有在线客户端，支持广播与定向导航。
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry 创建空的客户端注册表。
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register 接入一个新客户端并返回其句柄。
func (r *Registry) Register(url string, focused bool) *Client {
	client := &Client{
		ID:      uuid.NewString(),
		URL:     url,
		Focused: focused,
		msgs:    make(chan Message, clientBuffer),
	}
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
	return client
}

// Unregister 摘除客户端并关闭其通道。
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	client := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if client != nil {
		client.close()
	}
}

// Find 按 ID 查找在线客户端，不存在时返回 nil。
func (r *Registry) Find(id string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Count 返回在线客户端数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// List 返回当前在线客户端的快照。
func (r *Registry) List() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast 向每个在线客户端投递一条消息，返回成功送达数。
func (r *Registry) Broadcast(msg Message) int {
	delivered := 0
	for _, client := range r.List() {
		if client.deliver(msg) {
			delivered++
		}
	}
	return delivered
}

// FocusAndNavigate 让任意一个在线客户端聚焦并跳转到目标 URL。
// 返回 false 表示没有可用客户端，调用方应改为打开新窗口。
func (r *Registry) FocusAndNavigate(url string) bool {
	clients := r.List()

	// 已聚焦的客户端优先，避免抢走用户正看着的标签页之外的焦点。
	for _, client := range clients {
		if client.Focused && client.deliver(Message{Type: TypeNavigate, URL: url}) {
			return true
		}
	}
	for _, client := range clients {
		if client.deliver(Message{Type: TypeNavigate, URL: url}) {
			client.mu.Lock()
			client.Focused = true
			client.mu.Unlock()
			return true
		}
	}
	return false
}

// SetFocused 更新客户端的聚焦状态（由前台汇报）。
func (r *Registry) SetFocused(id string, focused bool) {
	r.mu.RLock()
	client := r.clients[id]
	r.mu.RUnlock()
	if client != nil {
		client.mu.Lock()
		client.Focused = focused
		client.mu.Unlock()
	}
}
