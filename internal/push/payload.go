package push

import (
	"encoding/json"
	"strings"
)

// maxActions 是单条通知允许携带的操作按钮上限。
const maxActions = 2

// Action 是通知上的一个操作按钮。
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationPayload 是推送消息解析后的标准形态。除 URL（点击跳转目标）
// 外都是纯展示字段，全部可缺省；解析边界之后的代码不得再假设服务端形状。
type NotificationPayload struct {
	Title              string          `json:"title"`
	Body               string          `json:"body,omitempty"`
	Icon               string          `json:"icon,omitempty"`
	Badge              string          `json:"badge,omitempty"`
	Image              string          `json:"image,omitempty"`
	Tag                string          `json:"tag,omitempty"`
	Renotify           bool            `json:"renotify,omitempty"`
	RequireInteraction bool            `json:"requireInteraction,omitempty"`
	Silent             bool            `json:"silent,omitempty"`
	URL                string          `json:"url"`
	Data               json.RawMessage `json:"data,omitempty"`
	Actions            []Action        `json:"actions,omitempty"`
}

// PayloadDefaults 提供字段级兜底值。
type PayloadDefaults struct {
	Title    string
	Icon     string
	Badge    string
	SiteRoot string
}

// ParsePayload 把服务端的原始字节解析为 NotificationPayload。
// 非 JSON 载荷降级为纯文本正文，而不是丢弃整条通知。
func ParsePayload(raw []byte, defaults PayloadDefaults) NotificationPayload {
	var payload NotificationPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = NotificationPayload{Body: strings.TrimSpace(string(raw))}
		}
	}
	return fillDefaults(payload, defaults)
}

func fillDefaults(p NotificationPayload, defaults PayloadDefaults) NotificationPayload {
	if strings.TrimSpace(p.Title) == "" {
		p.Title = defaults.Title
	}
	if strings.TrimSpace(p.Title) == "" {
		p.Title = "Update"
	}
	if p.Icon == "" {
		p.Icon = defaults.Icon
	}
	if p.Badge == "" {
		p.Badge = defaults.Badge
	}
	if strings.TrimSpace(p.URL) == "" {
		p.URL = defaults.SiteRoot
	}
	if p.URL == "" {
		p.URL = "/"
	}
	if len(p.Actions) > maxActions {
		p.Actions = p.Actions[:maxActions]
	}
	return p
}
