package cache

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrorSink 接收被吞掉的存储/预缓存错误。默认实现只打 debug 日志，
// 保持静默降级语义；需要指标时可注入自定义 sink。
type ErrorSink func(op string, err error)

// FetchFunc 按根相对路径从源站取回一个响应，Install 预缓存时使用。
type FetchFunc func(ctx context.Context, path string) (*http.Response, error)

// VersionStore 将底层 Store 绑定到当前构建的缓存版本上，并承担
// 安装期预填充与激活期全量淘汰两个生命周期动作。
type VersionStore struct {
	store   Store
	prefix  string
	version string
	sink    ErrorSink
}

// NewVersionStore 绑定当前构建版本。prefix+buildID 即存储键。
func NewVersionStore(store Store, prefix, buildID string, sink ErrorSink) *VersionStore {
	if sink == nil {
		sink = func(string, error) {}
	}
	return &VersionStore{
		store:   store,
		prefix:  prefix,
		version: prefix + buildID,
		sink:    sink,
	}
}

// NopSink 丢弃所有错误，保持源语义的完全静默。
func NopSink(string, error) {}

// LogSink 返回把被吞错误打到 debug 级别的 sink。
func LogSink(logger *logrus.Logger) ErrorSink {
	return func(op string, err error) {
		logger.WithFields(logrus.Fields{
			"action": op,
		}).Debug(err.Error())
	}
}

// Version 返回当前版本的缓存名。
func (v *VersionStore) Version() string {
	return v.version
}

// Enabled 返回是否具备可用的底层存储。
func (v *VersionStore) Enabled() bool {
	return v != nil && v.store != nil
}

// Install 打开当前构建的缓存并按清单顺序预填充。任何单条失败都被吞掉，
// 以保证坏清单条目不会阻塞部署；返回成功写入的条目数。绝不触发激活。
func (v *VersionStore) Install(ctx context.Context, paths []string, fetch FetchFunc) int {
	if !v.Enabled() || fetch == nil {
		return 0
	}

	installed := 0
	for _, p := range paths {
		resp, err := fetch(ctx, p)
		if err != nil {
			v.sink("precache_fetch", err)
			continue
		}
		func() {
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				v.sink("precache_status", &statusError{path: p, status: resp.StatusCode})
				return
			}
			meta := MetaFromResponse(resp)
			if _, err := v.store.Put(ctx, v.locator(p), resp.Body, meta); err != nil {
				v.sink("precache_put", err)
				return
			}
			installed++
		}()
	}
	return installed
}

// Activate 枚举所有缓存版本，删除前缀匹配但不等于当前版本的全部目录。
// 这是唯一的淘汰机制；必须在开始拦截请求之前完成。
func (v *VersionStore) Activate(ctx context.Context) []string {
	if !v.Enabled() {
		return nil
	}

	names, err := v.store.Versions(ctx)
	if err != nil {
		v.sink("activate_enumerate", err)
		return nil
	}

	var removed []string
	for _, name := range names {
		if !strings.HasPrefix(name, v.prefix) || name == v.version {
			continue
		}
		if err := v.store.DeleteVersion(ctx, name); err != nil {
			v.sink("activate_delete", err)
			continue
		}
		removed = append(removed, name)
	}
	return removed
}

// Get 读取当前版本下的条目。
func (v *VersionStore) Get(ctx context.Context, path string) (*ReadResult, error) {
	if !v.Enabled() {
		return nil, ErrNotFound
	}
	return v.store.Get(ctx, v.locator(path))
}

// Put 写入当前版本下的条目。失败被静默吞掉（例如磁盘配额不足），
// 绝不向触发原始网络请求的调用方传播错误。
func (v *VersionStore) Put(ctx context.Context, path string, body io.Reader, meta Meta) {
	if !v.Enabled() {
		return
	}
	if _, err := v.store.Put(ctx, v.locator(path), body, meta); err != nil {
		v.sink("cache_put", err)
	}
}

// PurgeStale 尽力删除除 prefix+keepBuildID 外所有前缀匹配的版本。
// 交接同意时调用：即将接管的候补版本刚预填充的缓存必须原样留下，
// 被放弃的旧版本（含当前版本）整体清掉。返回被删除的版本名。
func (v *VersionStore) PurgeStale(ctx context.Context, keepBuildID string) []string {
	if !v.Enabled() {
		return nil
	}
	names, err := v.store.Versions(ctx)
	if err != nil {
		v.sink("purge_enumerate", err)
		return nil
	}

	keep := v.prefix + keepBuildID
	var removed []string
	for _, name := range names {
		if !strings.HasPrefix(name, v.prefix) || name == keep {
			continue
		}
		if err := v.store.DeleteVersion(ctx, name); err != nil {
			v.sink("purge_delete", err)
			continue
		}
		removed = append(removed, name)
	}
	return removed
}

func (v *VersionStore) locator(path string) Locator {
	return Locator{Version: v.version, Path: path}
}

// MetaFromResponse 提取回放所需的响应元数据。
func MetaFromResponse(resp *http.Response) Meta {
	meta := Meta{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	replay := map[string]string{}
	for _, key := range replayHeaders {
		if val := resp.Header.Get(key); val != "" {
			replay[key] = val
		}
	}
	if len(replay) > 0 {
		meta.Header = replay
	}
	return meta
}

// replayHeaders 是缓存回放时需要还原的响应头白名单。
var replayHeaders = []string{
	"Content-Type",
	"Content-Language",
	"Cache-Control",
	"Etag",
	"Last-Modified",
	"Vary",
}

type statusError struct {
	path   string
	status int
}

func (e *statusError) Error() string {
	return "precache fetch " + e.path + " returned non-2xx status"
}
