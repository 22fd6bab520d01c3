package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理分版本磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<VersionName>/<path>.body    # 响应正文
//	<StoragePath>/<VersionName>/<path>.meta    # 回放所需的状态码与响应头
//
// VersionName 是 CachePrefix + BuildID 的拼接，一个版本目录对应一次部署。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将响应写入缓存，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, meta Meta) (*Entry, error)

	// Remove 删除单个条目。
	Remove(ctx context.Context, locator Locator) error

	// Versions 枚举当前存在的所有版本目录名。
	Versions(ctx context.Context) ([]string, error)

	// DeleteVersion 整体删除一个版本目录及其全部条目。
	DeleteVersion(ctx context.Context, name string) error
}

// Locator 唯一定位一个缓存条目（版本名 + 请求路径），路径为 URL 路径风格。
type Locator struct {
	Version string
	Path    string
}

// Meta 记录回放响应所需的元数据。条目没有 TTL：它的生命周期与所属版本一致。
type Meta struct {
	Status      int               `json:"status"`
	ContentType string            `json:"content_type,omitempty"`
	Header      map[string]string `json:"header,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	Meta      Meta    `json:"meta"`
}

// ReadResult 组合 Entry 与正文 Reader，便于拦截层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
