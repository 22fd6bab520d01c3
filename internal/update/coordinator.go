// Package update 实现版本交接的双边状态机：检测到候补版本后向客户端
// 广播更新提示，拿到用户同意后发送 SKIP_WAITING 并武装一个兜底定时器，
// 确保控制权信号丢失时也能完成一次（且仅一次）重载。
package update

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/appshell/appshell/internal/clients"
	"github.com/appshell/appshell/internal/state"
)

// Phase 描述协调器在状态机中的位置。
type Phase string

const (
	PhaseNoUpdate    Phase = "no_update"
	PhaseStaged      Phase = "update_staged"
	PhasePromptShown Phase = "prompt_shown"
	PhaseDismissed   Phase = "dismissed"
	PhaseHandingOff  Phase = "handing_off"
	PhaseActivated   Phase = "activated"
)

// DefaultHandoffTimeout 是控制权信号丢失时的兜底重载等待。
const DefaultHandoffTimeout = 4 * time.Second

// PurgeFunc 尽力清理过期的可见缓存版本，失败被吞掉。keepBuildID 是
// 即将接管的候补构建，它刚预填充的缓存必须原样保留。
type PurgeFunc func(ctx context.Context, keepBuildID string)

// SkipWaitingFunc 向候补代理发送唯一一条 SKIP_WAITING。
type SkipWaitingFunc func(ctx context.Context) error

// Options 聚合 Coordinator 的依赖。
type Options struct {
	Registry    *clients.Registry
	State       *state.Store
	Purge       PurgeFunc
	SkipWaiting SkipWaitingFunc
	Logger      *logrus.Logger

	// HandoffTimeout 为零时使用 DefaultHandoffTimeout。
	HandoffTimeout time.Duration
}

// Coordinator 是更新流程的唯一入口。所有转移都持锁串行化，
// 重载广播被 sync.Once 保护：信号与定时器竞速也只触发一次。
type Coordinator struct {
	registry    *clients.Registry
	store       *state.Store
	purge       PurgeFunc
	skipWaiting SkipWaitingFunc
	logger      *logrus.Logger
	timeout     time.Duration

	mu          sync.Mutex
	phase       Phase
	stagedBuild string
	timer       *time.Timer
	reload      *sync.Once
}

// NewCoordinator 构造协调器，初始处于 NoUpdate。
func NewCoordinator(opts Options) *Coordinator {
	timeout := opts.HandoffTimeout
	if timeout <= 0 {
		timeout = DefaultHandoffTimeout
	}
	return &Coordinator{
		registry:    opts.Registry,
		store:       opts.State,
		purge:       opts.Purge,
		skipWaiting: opts.SkipWaiting,
		logger:      opts.Logger,
		timeout:     timeout,
		phase:       PhaseNoUpdate,
	}
}

// Phase 返回当前阶段。
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// StagedBuild 返回待交接的构建版本，没有则为空串。
func (c *Coordinator) StagedBuild() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stagedBuild
}

// StageUpdate 记录一个进入 waiting 的候补版本。这是唯一的检测信号，
// 交接进行中到达的新候补会被忽略，交接完成后可以再次 staging。
func (c *Coordinator) StageUpdate(buildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseHandingOff {
		c.log("stage_ignored", buildID, "hand-off in progress")
		return
	}
	c.phase = PhaseStaged
	c.stagedBuild = buildID
	if c.store != nil {
		c.store.SetStagedBuild(buildID)
	}
	c.log("update_staged", buildID, "")
}

// ShowPrompt 向所有在线客户端广播非阻塞的更新提示。返回收到提示的
// 客户端数量；被驳回过的提示可以再次展示，没有永久抑制。
func (c *Coordinator) ShowPrompt() int {
	c.mu.Lock()
	if c.phase != PhaseStaged && c.phase != PhaseDismissed && c.phase != PhasePromptShown {
		c.mu.Unlock()
		return 0
	}
	c.phase = PhasePromptShown
	buildID := c.stagedBuild
	c.mu.Unlock()

	delivered := 0
	if c.registry != nil {
		delivered = c.registry.Broadcast(clients.Message{Type: clients.TypeUpdateAvailable})
	}
	c.log("prompt_shown", buildID, "")
	return delivered
}

// Dismiss 记录用户驳回。候补版本保持 staged，下次提示照常出现。
func (c *Coordinator) Dismiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhasePromptShown {
		return
	}
	c.phase = PhaseDismissed
	c.log("prompt_dismissed", c.stagedBuild, "")
}

// Consent 执行用户同意后的交接动作：尽力清理旧缓存、发送唯一一条
// SKIP_WAITING、武装兜底定时器。交接进行中的重复调用是 no-op，
// 保证一次交接最多一次重载。
func (c *Coordinator) Consent(ctx context.Context) {
	c.mu.Lock()
	if c.phase == PhaseHandingOff {
		c.mu.Unlock()
		return
	}
	if c.phase != PhasePromptShown && c.phase != PhaseDismissed && c.phase != PhaseStaged {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseHandingOff
	c.reload = &sync.Once{}
	buildID := c.stagedBuild
	c.timer = time.AfterFunc(c.timeout, c.forceReload)
	c.mu.Unlock()

	if c.purge != nil {
		c.purge(ctx, buildID)
	}
	if c.skipWaiting != nil {
		if err := c.skipWaiting(ctx); err != nil && c.logger != nil {
			c.logger.WithFields(logrus.Fields{
				"action":   "skip_waiting",
				"build_id": buildID,
			}).Warn(err.Error())
		}
	}
	c.log("handoff_begin", buildID, "")
}

// OnControlTransferred 处理控制权转移信号：解除定时器、广播一次
// 重载、推进 active 构建记录。
func (c *Coordinator) OnControlTransferred() {
	c.mu.Lock()
	if c.phase != PhaseHandingOff {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.finishLocked("controller_change")
}

// forceReload 是兜底路径：交接仍未完成时由定时器触发同样的收尾。
func (c *Coordinator) forceReload() {
	c.mu.Lock()
	if c.phase != PhaseHandingOff {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.finishLocked("handoff_timeout")
}

// finishLocked 收尾一次交接。调用方持锁，函数内部释放。
func (c *Coordinator) finishLocked(reason string) {
	buildID := c.stagedBuild
	once := c.reload
	c.phase = PhaseActivated
	c.stagedBuild = ""
	if c.store != nil {
		if buildID != "" {
			c.store.SetActiveBuild(buildID)
		}
		c.store.ClearStagedBuild()
	}
	c.mu.Unlock()

	once.Do(func() {
		if c.registry != nil {
			c.registry.Broadcast(clients.Message{Type: clients.TypeControllerChange})
		}
		c.log("reload_broadcast", buildID, reason)
	})
}

func (c *Coordinator) log(action, buildID, msg string) {
	if c.logger == nil {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"action":   action,
		"build_id": buildID,
	}).Info(msg)
}
