package push

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Subscription holds the useful values from a push subscription object
// obtained from the client runtime. It is handed to the push service and not
// persisted locally beyond the current registration lookup.
type Subscription struct {
	// Endpoint is the URL the push service delivers messages to.
	Endpoint string

	// Key is the client's p256dh public key.
	Key []byte

	// Auth is the pre-shared authentication secret.
	Auth []byte
}

// SubscriptionFromJSON 解析客户端运行时导出的订阅 JSON。
// 兼容历史实现错误添加的 base64 padding。
func SubscriptionFromJSON(b []byte) (*Subscription, error) {
	var sub struct {
		Endpoint string
		Keys     struct {
			P256dh string
			Auth   string
		}
	}
	if err := json.Unmarshal(b, &sub); err != nil {
		return nil, err
	}

	b64 := base64.URLEncoding.WithPadding(base64.NoPadding)

	key, err := b64.DecodeString(strings.TrimRight(sub.Keys.P256dh, "="))
	if err != nil {
		return nil, err
	}

	auth, err := b64.DecodeString(strings.TrimRight(sub.Keys.Auth, "="))
	if err != nil {
		return nil, err
	}

	return &Subscription{Endpoint: sub.Endpoint, Key: key, Auth: auth}, nil
}
