// Package intercept 实现请求拦截与路由策略：每个进入的请求先被分类，
// 再按策略决定直连源站、网络优先还是缓存优先。分类顺序是固定的，
// 不受缓存内容影响。
package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/appshell/appshell/internal/cache"
	"github.com/appshell/appshell/internal/config"
	"github.com/appshell/appshell/internal/env"
	"github.com/appshell/appshell/internal/logging"
	"github.com/appshell/appshell/internal/server"
)

// Strategy 是一次请求的路由决策结果。
type Strategy string

const (
	// StrategyBypass 直连源站，不读写缓存。
	StrategyBypass Strategy = "bypass"

	// StrategyNetworkFirst 先走网络，失败时回退到预缓存的根文档。
	StrategyNetworkFirst Strategy = "network_first"

	// StrategyCacheFirst 先查缓存，命中后台补水，未命中回源。
	StrategyCacheFirst Strategy = "cache_first"
)

// RootDocument 是导航回退时使用的预缓存入口文档，与预缓存清单共用约定。
const RootDocument = config.RootDocument

// Handler 负责 orchestrate “分类 → 策略执行 → streaming” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 http.Client 与分版本缓存。
type Handler struct {
	client   *http.Client
	logger   *logrus.Logger
	store    *cache.VersionStore
	global   config.GlobalConfig
	caps     env.Capabilities
	upstream *url.URL
}

// NewHandler constructs the interception handler with shared client/logger/store.
func NewHandler(
	client *http.Client,
	logger *logrus.Logger,
	store *cache.VersionStore,
	global config.GlobalConfig,
	caps env.Capabilities,
) (*Handler, error) {
	upstream, err := url.Parse(global.Upstream)
	if err != nil {
		return nil, fmt.Errorf("intercept: parse upstream: %w", err)
	}
	return &Handler{
		client:   client,
		logger:   logger,
		store:    store,
		global:   global,
		caps:     caps,
		upstream: upstream,
	}, nil
}

// Classify 按固定顺序给请求分类。顺序本身就是语义：API 前缀永远赢过
// 缓存内容，开发通道只在回环 Host 下生效。
func (h *Handler) Classify(method, reqPath string, navigation bool) Strategy {
	if method != http.MethodGet {
		return StrategyBypass
	}
	if h.global.IsAPIPath(reqPath) {
		return StrategyBypass
	}
	if h.global.IsDevPath(reqPath) && h.caps != nil && h.caps.IsLoopbackHost() {
		return StrategyBypass
	}
	if navigation {
		return StrategyNetworkFirst
	}
	return StrategyCacheFirst
}

// Handle 执行分类与对应策略，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	reqPath := normalizeRequestPath(string(c.Request().URI().Path()))
	strategy := h.Classify(c.Method(), reqPath, isNavigation(c))

	switch strategy {
	case StrategyBypass:
		return h.passThrough(c, reqPath, requestID, started)
	case StrategyNetworkFirst:
		return h.networkFirst(c, reqPath, requestID, started)
	default:
		return h.cacheFirst(c, reqPath, requestID, started)
	}
}

// passThrough 直连源站：请求与响应都原样透传，缓存完全不参与。
func (h *Handler) passThrough(c fiber.Ctx, reqPath, requestID string, started time.Time) error {
	resp, err := h.fetchUpstream(c, reqPath)
	if err != nil {
		h.logResult(StrategyBypass, reqPath, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	return h.streamUpstream(c, resp, StrategyBypass, reqPath, requestID, started)
}

// networkFirst 服务导航请求：网络可达时源站说了算（包括 404 等非 2xx），
// 网络失败时回退为预缓存根文档的逐字节回放。
func (h *Handler) networkFirst(c fiber.Ctx, reqPath, requestID string, started time.Time) error {
	resp, err := h.fetchUpstream(c, reqPath)
	if err == nil {
		defer resp.Body.Close()
		return h.streamUpstream(c, resp, StrategyNetworkFirst, reqPath, requestID, started)
	}

	ctx := requestContext(c)
	cached, cacheErr := h.store.Get(ctx, RootDocument)
	if cacheErr != nil {
		h.logResult(StrategyNetworkFirst, reqPath, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	return h.serveCached(c, cached, StrategyNetworkFirst, reqPath, requestID, started)
}

// cacheFirst 执行缓存优先：命中直接回放并 fire-and-forget 后台补水；
// 未命中回源，未命中叠加网络失败时错误原样向外传播，没有二次回退。
func (h *Handler) cacheFirst(c fiber.Ctx, reqPath, requestID string, started time.Time) error {
	ctx := requestContext(c)

	cached, err := h.store.Get(ctx, reqPath)
	switch {
	case err == nil:
		go h.refill(reqPath)
		return h.serveCached(c, cached, StrategyCacheFirst, reqPath, requestID, started)
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_get",
			"path":   reqPath,
		}).Warn("cache_get_failed")
	}

	resp, err := h.fetchUpstream(c, reqPath)
	if err != nil {
		h.logResult(StrategyCacheFirst, reqPath, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	if h.cacheable(resp) {
		return h.cacheAndStream(c, reqPath, resp, requestID, started, ctx)
	}
	return h.streamUpstream(c, resp, StrategyCacheFirst, reqPath, requestID, started)
}

// refill 是缓存命中后的后台补水。与请求生命周期无关，所有失败被
// 存储层的 sink 或这里直接吞掉。
func (h *Handler) refill(reqPath string) {
	timeout := 30 * time.Second
	if h.client.Timeout > 0 {
		timeout = h.client.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	target := h.resolveUpstream(reqPath, nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if !h.cacheable(resp) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return
	}
	h.store.Put(ctx, reqPath, resp.Body, cache.MetaFromResponse(resp))
}

// serveCached 逐字节回放缓存条目，连同存储时保留的回放安全头。
func (h *Handler) serveCached(
	c fiber.Ctx,
	result *cache.ReadResult,
	strategy Strategy,
	reqPath, requestID string,
	started time.Time,
) error {
	defer result.Reader.Close()

	meta := result.Entry.Meta
	for key, value := range meta.Header {
		c.Set(key, value)
	}
	if meta.ContentType != "" {
		c.Set("Content-Type", meta.ContentType)
	}
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	}
	c.Set("X-Appshell-Cache-Hit", "true")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	status := meta.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	c.Status(status)

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	h.logResult(strategy, reqPath, requestID, status, true, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// cacheAndStream 一边把源站响应写给客户端一边写入当前版本缓存。
func (h *Handler) cacheAndStream(
	c fiber.Ctx,
	reqPath string,
	resp *http.Response,
	requestID string,
	started time.Time,
	ctx context.Context,
) error {
	h.writeUpstreamHeaders(c, resp, requestID)

	reader := io.TeeReader(resp.Body, c.Response().BodyWriter())
	h.store.Put(ctx, reqPath, reader, cache.MetaFromResponse(resp))

	// 写缓存失败被吞掉时 reader 可能没被读完，把剩余字节直接给客户端，
	// 响应完整性不依赖缓存是否写成功。
	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(StrategyCacheFirst, reqPath, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) streamUpstream(
	c fiber.Ctx,
	resp *http.Response,
	strategy Strategy,
	reqPath, requestID string,
	started time.Time,
) error {
	h.writeUpstreamHeaders(c, resp, requestID)

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(strategy, reqPath, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeUpstreamHeaders(c fiber.Ctx, resp *http.Response, requestID string) {
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Appshell-Cache-Hit", "false")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)
}

// cacheable 限定可写缓存的响应：GET、2xx、且最终落在本源站上
// （跟随重定向跑到别的 Host 的响应视为不透明，不入缓存）。
func (h *Handler) cacheable(resp *http.Response) bool {
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return false
	}
	if resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	if resp.Request.URL != nil && resp.Request.URL.Host != h.upstream.Host {
		return false
	}
	return true
}

func (h *Handler) fetchUpstream(c fiber.Ctx, reqPath string) (*http.Response, error) {
	rawQuery := append([]byte(nil), c.Request().URI().QueryString()...)
	target := h.resolveUpstream(reqPath, rawQuery)

	ctx := requestContext(c)
	body := bytesReader(c.Body())
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = h.upstream.Host
	req.Header.Set("Host", h.upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())

	return h.client.Do(req)
}

func (h *Handler) resolveUpstream(reqPath string, rawQuery []byte) *url.URL {
	relative := &url.URL{Path: reqPath, RawPath: reqPath}
	if len(rawQuery) > 0 {
		relative.RawQuery = string(rawQuery)
	}
	return h.upstream.ResolveReference(relative)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	strategy Strategy,
	reqPath, requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(h.store.Version(), string(strategy), reqPath, cacheHit)
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

// isNavigation 判断请求是否为文档导航：优先看 Sec-Fetch-Mode，
// 老客户端退化成 Accept 嗅探。
func isNavigation(c fiber.Ctx) bool {
	if mode := c.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	accept := c.Get(fiber.HeaderAccept)
	return strings.Contains(accept, "text/html")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	return path.Clean("/" + raw)
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
