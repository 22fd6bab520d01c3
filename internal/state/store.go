// Package state persists the slice of agent state that must survive host
// suspension: which build is in control, which build is staged, and the last
// known push subscription per user token. Event handlers never rely on each
// other's in-memory locals; anything they need later goes through here.
package state

import (
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

const (
	keyActiveBuild = "lifecycle:active"
	keyStagedBuild = "lifecycle:staged"
	subPrefix      = "subscription:"
)

// Store 是后台代理的持久状态库。所有写入尽力而为：打不开或写失败时
// 退化为纯内存操作，绝不因为状态库故障影响请求服务。
type Store struct {
	db *leveldb.DB

	mu  sync.RWMutex
	mem map[string]string
}

// Open 打开（必要时创建）状态库。路径为空或打开失败时返回纯内存实例。
func Open(path string) *Store {
	s := &Store{mem: map[string]string{}}
	if path == "" {
		return s
	}
	if db, err := leveldb.OpenFile(path, nil); err == nil {
		s.db = db
	}
	return s
}

// Close 关闭底层库。
func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// Durable 返回是否持久化到磁盘（false 表示内存降级模式）。
func (s *Store) Durable() bool {
	return s.db != nil
}

// ActiveBuild returns the build currently in control, if recorded.
func (s *Store) ActiveBuild() string {
	return s.get(keyActiveBuild)
}

// SetActiveBuild records the build that has taken control.
func (s *Store) SetActiveBuild(buildID string) {
	s.set(keyActiveBuild, buildID)
}

// StagedBuild returns the waiting build, or empty when none is staged.
func (s *Store) StagedBuild() string {
	return s.get(keyStagedBuild)
}

// SetStagedBuild records a newer build staged behind the controller.
func (s *Store) SetStagedBuild(buildID string) {
	s.set(keyStagedBuild, buildID)
}

// ClearStagedBuild removes the staged marker after a completed hand-off.
func (s *Store) ClearStagedBuild() {
	s.delete(keyStagedBuild)
}

// SubscriptionEndpoint returns the last subscription endpoint stored for the
// user token, or empty when the user has never subscribed.
func (s *Store) SubscriptionEndpoint(userToken string) string {
	return s.get(subPrefix + userToken)
}

// SetSubscriptionEndpoint records the endpoint handed to the push service.
func (s *Store) SetSubscriptionEndpoint(userToken, endpoint string) {
	s.set(subPrefix+userToken, endpoint)
}

func (s *Store) get(key string) string {
	if s.db != nil {
		if raw, err := s.db.Get([]byte(key), nil); err == nil {
			return string(raw)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem[key]
}

func (s *Store) set(key, value string) {
	if s.db != nil {
		if err := s.db.Put([]byte(key), []byte(value), nil); err == nil {
			return
		}
	}
	s.mu.Lock()
	s.mem[key] = value
	s.mu.Unlock()
}

func (s *Store) delete(key string) {
	if s.db != nil {
		_ = s.db.Delete([]byte(key), nil)
	}
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()
}
