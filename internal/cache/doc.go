// Package cache 实现分版本的响应缓存：安装期按清单预填充当前构建的
// 版本目录，激活期整体删除所有过期版本。条目没有 TTL，生命周期与所属
// 版本一致。
package cache
