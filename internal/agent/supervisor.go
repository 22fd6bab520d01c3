package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/appshell/appshell/internal/state"
)

// Hooks 是一次注册在安装/激活阶段要执行的动作。安装阶段做预缓存，
// 激活阶段做旧版本清理，两者都必须在状态推进前同步完成。
type Hooks struct {
	// Install 在 installing 阶段执行，失败会让注册停留在 redundant。
	Install func(ctx context.Context) error

	// Activate 在 activating 阶段执行，必须等它返回后才认为激活完成。
	Activate func(ctx context.Context) error

	// Freshness 在对同一 BuildID 的重复注册时触发一次新鲜度检查，
	// 可以为 nil。
	Freshness func(ctx context.Context)
}

// Options 聚合 Supervisor 的依赖。
type Options struct {
	State     *state.Store
	Logger    *logrus.Logger
	OnWaiting func(buildID string)
}

// Supervisor 维护当前控制者与候补注册。检测新版本的唯一信号就是
// 一次注册进入 installed(waiting)，不做任何版本轮询。
type Supervisor struct {
	store     *state.Store
	logger    *logrus.Logger
	onWaiting func(buildID string)

	mu      sync.Mutex
	active  *Registration
	waiting *Registration
	hooks   map[string]Hooks
}

// NewSupervisor 构造 Supervisor。
func NewSupervisor(opts Options) *Supervisor {
	return &Supervisor{
		store:     opts.State,
		logger:    opts.Logger,
		onWaiting: opts.OnWaiting,
		hooks:     make(map[string]Hooks),
	}
}

// Active 返回当前控制者，可能为 nil。
func (s *Supervisor) Active() *Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Waiting 返回候补注册，可能为 nil。
func (s *Supervisor) Waiting() *Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// Register 注册一个构建版本的代理。
//
// 对已有控制者的同版本重复注册是 no-op，只触发一次新鲜度检查；
// 没有控制者时完整走 install → activate；已有不同版本的控制者时
// 新注册停在 installed(waiting)，绝不自行接管控制权。
func (s *Supervisor) Register(ctx context.Context, buildID string, hooks Hooks) (*Registration, error) {
	if buildID == "" {
		return nil, fmt.Errorf("agent: build id is required")
	}

	s.mu.Lock()
	if s.active != nil && s.active.BuildID == buildID {
		reg := s.active
		s.mu.Unlock()
		if hooks.Freshness != nil {
			hooks.Freshness(ctx)
		}
		s.log(buildID, "register_noop", "already controlling")
		return reg, nil
	}
	if s.waiting != nil && s.waiting.BuildID == buildID {
		reg := s.waiting
		s.mu.Unlock()
		return reg, nil
	}
	s.mu.Unlock()

	reg := &Registration{BuildID: buildID, state: StateInstalling}
	s.log(buildID, "install_begin", "")

	if hooks.Install != nil {
		if err := hooks.Install(ctx); err != nil {
			reg.setState(StateRedundant)
			return nil, fmt.Errorf("agent: install %s: %w", buildID, err)
		}
	}
	reg.setState(StateInstalled)

	s.mu.Lock()
	s.hooks[buildID] = hooks
	hasController := s.active != nil
	if !hasController {
		s.mu.Unlock()
		// 首次安装：无人控制，直接激活。
		if err := s.activate(ctx, reg); err != nil {
			return nil, err
		}
		return reg, nil
	}

	// 已有控制者：新版本停在 waiting，旧的候补被顶替。
	if s.waiting != nil {
		s.waiting.setState(StateRedundant)
	}
	s.waiting = reg
	notify := s.onWaiting
	s.mu.Unlock()

	s.log(buildID, "install_waiting", "new version staged behind controller")
	if notify != nil {
		notify(buildID)
	}
	return reg, nil
}

// SkipWaiting 让候补注册接管控制权，对应 SKIP_WAITING 消息。
// 没有候补时是 no-op。
func (s *Supervisor) SkipWaiting(ctx context.Context) error {
	s.mu.Lock()
	reg := s.waiting
	if reg == nil {
		s.mu.Unlock()
		return nil
	}
	s.waiting = nil
	s.mu.Unlock()

	return s.activate(ctx, reg)
}

// activate 推进一个 installed 注册到 activated，并把旧控制者标记为
// redundant。激活钩子必须同步完成，拦截在此之后才允许开始。
func (s *Supervisor) activate(ctx context.Context, reg *Registration) error {
	reg.setState(StateActivating)
	s.log(reg.BuildID, "activate_begin", "")

	s.mu.Lock()
	hooks := s.hooks[reg.BuildID]
	s.mu.Unlock()

	if hooks.Activate != nil {
		if err := hooks.Activate(ctx); err != nil {
			reg.setState(StateRedundant)
			return fmt.Errorf("agent: activate %s: %w", reg.BuildID, err)
		}
	}

	s.mu.Lock()
	if s.active != nil {
		s.active.setState(StateRedundant)
	}
	reg.setState(StateActivated)
	s.active = reg
	s.mu.Unlock()

	if s.store != nil {
		s.store.SetActiveBuild(reg.BuildID)
	}
	s.log(reg.BuildID, "activated", "")
	return nil
}

func (s *Supervisor) log(buildID, action, msg string) {
	if s.logger == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"action":   action,
		"build_id": buildID,
	}).Info(msg)
}
