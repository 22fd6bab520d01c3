// Package agent 管理后台代理的注册与生命周期：同一时刻最多一个
// activated 控制者、最多一个 installed(waiting) 候补。生命周期状态
// 只能被观察，不能被外部直接写入。
package agent

import "sync"

// LifecycleState 描述一次注册在生命周期中的位置。
type LifecycleState string

const (
	StateInstalling LifecycleState = "installing"
	StateInstalled  LifecycleState = "installed"
	StateActivating LifecycleState = "activating"
	StateActivated  LifecycleState = "activated"
	StateRedundant  LifecycleState = "redundant"
)

// Registration 是一次代理注册。状态由 Supervisor 推进，外部只读。
// 状态字段有自己的锁：交接进行中状态页可能随时读取。
type Registration struct {
	BuildID string

	mu    sync.Mutex
	state LifecycleState
}

// State 返回该注册当前的生命周期状态。
func (r *Registration) State() LifecycleState {
	if r == nil {
		return StateRedundant
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Registration) setState(s LifecycleState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
