// Package push owns the subscription handshake with the push service and the
// delivery path for inbound push messages: parse, display, fan out.
package push

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/appshell/appshell/internal/clients"
	"github.com/appshell/appshell/internal/env"
	"github.com/appshell/appshell/internal/state"
)

// SubscriptionState 是订阅尝试的结构化结果状态。
type SubscriptionState string

const (
	StateSubscribed    SubscriptionState = "subscribed"
	StateNotSubscribed SubscriptionState = "not_subscribed"
	StateDenied        SubscriptionState = "denied"
)

// Result 是订阅操作的唯一出口：订阅失败被吞掉并折叠成 not_subscribed，
// 不允许错误越过边界进入 UI 代码。
type Result struct {
	State    SubscriptionState `json:"state"`
	Endpoint string            `json:"endpoint,omitempty"`
}

// SubscribeFunc 向推送服务发起一次真实订阅。
type SubscribeFunc func(ctx context.Context, userToken string) (*Subscription, error)

// PromptFunc 触发一次用户可见的权限请求并返回结果。
type PromptFunc func(ctx context.Context) env.PermissionState

// Notifier 负责展示与关闭通知，由宿主注入。
type Notifier interface {
	Display(payload NotificationPayload) error
	Close(tag string)
}

// WindowOpener 在没有可复用客户端时打开新窗口。
type WindowOpener interface {
	OpenWindow(url string)
}

// Options 聚合 Bridge 的全部依赖。
type Options struct {
	Capabilities env.Capabilities
	Registry     *clients.Registry
	State        *state.Store
	Notifier     Notifier
	Opener       WindowOpener
	Subscribe    SubscribeFunc
	Prompt       PromptFunc
	Logger       *logrus.Logger

	// Cooldown 是同一 userToken 两次外呼订阅之间的最小间隔。
	Cooldown time.Duration

	Defaults PayloadDefaults
}

// Bridge 协调订阅生命周期与入站投递。
type Bridge struct {
	caps      env.Capabilities
	registry  *clients.Registry
	state     *state.Store
	notifier  Notifier
	opener    WindowOpener
	subscribe SubscribeFunc
	prompt    PromptFunc
	logger    *logrus.Logger
	defaults  PayloadDefaults

	group singleflight.Group

	mu        sync.Mutex
	cooldowns map[string]*rate.Limiter
	denied    map[string]bool
	limit     rate.Limit
}

// NewBridge 构造 PushBridge。
func NewBridge(opts Options) *Bridge {
	limit := rate.Inf
	if opts.Cooldown > 0 {
		limit = rate.Every(opts.Cooldown)
	}
	return &Bridge{
		caps:      opts.Capabilities,
		registry:  opts.Registry,
		state:     opts.State,
		notifier:  opts.Notifier,
		opener:    opts.Opener,
		subscribe: opts.Subscribe,
		prompt:    opts.Prompt,
		logger:    opts.Logger,
		defaults:  opts.Defaults,
		cooldowns: make(map[string]*rate.Limiter),
		denied:    make(map[string]bool),
		limit:     limit,
	}
}

// EnsureSubscription 是幂等的订阅入口：并发调用共享一次外呼（single
// flight），同一 userToken 在冷却窗口内的重复调用直接复用已知结果，
// 且要求权限已被授予——绝不在这里弹出权限请求。
func (b *Bridge) EnsureSubscription(ctx context.Context, userToken string) Result {
	if b.isDenied(userToken) {
		return Result{State: StateDenied}
	}
	if b.caps == nil || b.caps.PermissionState() != env.PermissionGranted {
		return Result{State: StateNotSubscribed}
	}

	return b.throttledSubscribe(ctx, userToken)
}

// RequestPermissionAndSubscribe 是用户主动触发的请求路径。被拒绝后
// 结果在本会话内是终态：后续调用不会再次弹窗。
func (b *Bridge) RequestPermissionAndSubscribe(ctx context.Context, userToken string) Result {
	if b.isDenied(userToken) {
		return Result{State: StateDenied}
	}

	permission := env.PermissionDefault
	if b.caps != nil {
		permission = b.caps.PermissionState()
	}
	if permission != env.PermissionGranted {
		if b.prompt == nil {
			return Result{State: StateNotSubscribed}
		}
		permission = b.prompt(ctx)
	}

	switch permission {
	case env.PermissionGranted:
		return b.subscribeOnce(ctx, userToken)
	case env.PermissionDenied:
		b.markDenied(userToken)
		return Result{State: StateDenied}
	default:
		return Result{State: StateNotSubscribed}
	}
}

// HandlePush 处理一条入站推送：容错解析、展示通知，然后向所有在线
// 客户端广播 PUSH_RECEIVED。无论是否有页面聚焦都会执行。
func (b *Bridge) HandlePush(raw []byte) NotificationPayload {
	payload := ParsePayload(raw, b.defaults)

	if b.notifier != nil {
		if err := b.notifier.Display(payload); err != nil && b.logger != nil {
			b.logger.WithFields(logrus.Fields{
				"action": "notification_display",
			}).Warn(err.Error())
		}
	}

	if b.registry != nil {
		b.registry.Broadcast(clients.Message{Type: clients.TypePushReceived})
	}
	return payload
}

// HandleNotificationClick 关闭通知并把用户带到载荷的 URL：优先聚焦
// 并导航已打开的客户端，否则开新窗口。
func (b *Bridge) HandleNotificationClick(payload NotificationPayload) {
	if b.notifier != nil {
		b.notifier.Close(payload.Tag)
	}

	url := payload.URL
	if url == "" {
		url = b.defaults.SiteRoot
	}
	if url == "" {
		url = "/"
	}

	if b.registry != nil && b.registry.FocusAndNavigate(url) {
		return
	}
	if b.opener != nil {
		b.opener.OpenWindow(url)
	}
}

// subscribeOnce 执行一次真实外呼，并发调用通过 singleflight 合并。
func (b *Bridge) subscribeOnce(ctx context.Context, userToken string) Result {
	value, err, _ := b.group.Do(userToken, func() (interface{}, error) {
		return b.doSubscribe(ctx, userToken)
	})
	return b.subscribeResult(userToken, value, err)
}

// throttledSubscribe 在 singleflight 组内做冷却检查：被限流的调用若
// 赶上一次进行中的外呼会直接汇入共享其结果，只有真正没有外呼在飞时
// 才退回已知结论。
func (b *Bridge) throttledSubscribe(ctx context.Context, userToken string) Result {
	value, err, _ := b.group.Do(userToken, func() (interface{}, error) {
		if !b.allowOutbound(userToken) {
			return nil, errCooldownActive
		}
		return b.doSubscribe(ctx, userToken)
	})
	if err == errCooldownActive {
		return b.knownResult(userToken)
	}
	return b.subscribeResult(userToken, value, err)
}

func (b *Bridge) doSubscribe(ctx context.Context, userToken string) (interface{}, error) {
	if b.subscribe == nil {
		return nil, errNoSubscriber
	}
	return b.subscribe(ctx, userToken)
}

func (b *Bridge) subscribeResult(userToken string, value interface{}, err error) Result {
	if err != nil {
		if b.logger != nil {
			b.logger.WithFields(logrus.Fields{
				"action": "subscribe",
			}).Debug(err.Error())
		}
		return Result{State: StateNotSubscribed}
	}

	sub, ok := value.(*Subscription)
	if !ok || sub == nil || sub.Endpoint == "" {
		return Result{State: StateNotSubscribed}
	}

	if b.state != nil {
		b.state.SetSubscriptionEndpoint(userToken, sub.Endpoint)
	}
	return Result{State: StateSubscribed, Endpoint: sub.Endpoint}
}

// knownResult 在冷却窗口内复用上一次的订阅结论。
func (b *Bridge) knownResult(userToken string) Result {
	if b.state != nil {
		if endpoint := b.state.SubscriptionEndpoint(userToken); endpoint != "" {
			return Result{State: StateSubscribed, Endpoint: endpoint}
		}
	}
	return Result{State: StateNotSubscribed}
}

func (b *Bridge) allowOutbound(userToken string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	limiter := b.cooldowns[userToken]
	if limiter == nil {
		limiter = rate.NewLimiter(b.limit, 1)
		b.cooldowns[userToken] = limiter
	}
	return limiter.Allow()
}

func (b *Bridge) isDenied(userToken string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.denied[userToken]
}

func (b *Bridge) markDenied(userToken string) {
	b.mu.Lock()
	b.denied[userToken] = true
	b.mu.Unlock()
}

var (
	errNoSubscriber   = &bridgeError{"push service not configured"}
	errCooldownActive = &bridgeError{"subscribe cooldown active"}
)

type bridgeError struct{ msg string }

func (e *bridgeError) Error() string { return e.msg }
