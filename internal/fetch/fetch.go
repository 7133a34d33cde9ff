// Package fetch resolves a source identifier into a byte stream. The cache
// only depends on the Fetcher interface; HTTPFetcher is the production
// implementation used by the service.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Fetcher 打开 identifier 对应的数据流，调用方负责关闭返回的 ReadCloser。
// ctx 取消后，读取应尽快返回错误。
type Fetcher interface {
	Fetch(ctx context.Context, identifier string) (io.ReadCloser, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context, identifier string) (io.ReadCloser, error)

// Fetch calls f(ctx, identifier).
func (f FetcherFunc) Fetch(ctx context.Context, identifier string) (io.ReadCloser, error) {
	return f(ctx, identifier)
}

// TransportError 描述一次失败的回源：Status 为 0 表示未拿到响应。
type TransportError struct {
	Identifier string
	Status     int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: upstream status %d", e.Identifier, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Identifier, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrUnsupportedScheme 表示 identifier 不是 http/https URL。
var ErrUnsupportedScheme = errors.New("unsupported identifier scheme")

// HTTPFetcher 通过 GET 拉取 http/https identifier。
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher 创建 HTTPFetcher；client 为空时使用 NewClient(0)。
func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = NewClient(0)
	}
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

// Fetch 发起 GET 请求，非 2xx 响应返回 *TransportError 并关闭响应体。
func (f *HTTPFetcher) Fetch(ctx context.Context, identifier string) (io.ReadCloser, error) {
	target, err := url.Parse(identifier)
	if err != nil {
		return nil, &TransportError{Identifier: identifier, Err: err}
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, &TransportError{Identifier: identifier, Err: ErrUnsupportedScheme}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &TransportError{Identifier: identifier, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{Identifier: identifier, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &TransportError{Identifier: identifier, Status: resp.StatusCode}
	}
	return resp.Body, nil
}

const copyChunk = 32 * 1024

// Copy 以 32KiB 为单位复制 src 到 dst，每个分块前检查 ctx，取消后返回 ctx.Err()。
func Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunk)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			return written, rerr
		}
	}
}
