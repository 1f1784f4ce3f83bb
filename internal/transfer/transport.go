package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// Sink 接收传输过程中的回调，由 Scheduler 实现并按 TaskID 路由到对应 Unit。
type Sink interface {
	// Receive 报告新到达的字节，chunk 只在调用期间有效。
	Receive(id TaskID, chunk []byte, expected int64)
	// Complete 报告终态，err 为 nil 表示成功。每个 TaskID 恰好调用一次。
	Complete(id TaskID, err error)
}

// Transport 执行一次底层传输。Do 阻塞到传输结束，并须在返回前调用 sink.Complete；
// ctx 被取消时应尽快以 ctx.Err() 结束。订阅者的取消通知不依赖 Do 返回，
// 但 Do 返回之前它占用的 worker 不会被释放，忽略 ctx 的实现会拖住并发额度。
type Transport interface {
	Do(ctx context.Context, id TaskID, req *Request, sink Sink)
}

const defaultChunkSize = 32 * 1024

// HTTPTransport 基于 http.Client 的 Transport 实现，非 2xx 响应返回 StatusError。
type HTTPTransport struct {
	Client    *http.Client
	ChunkSize int
}

// NewHTTPTransport 使用给定 client 构建传输层，client 为 nil 时使用 http.DefaultClient。
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{Client: client, ChunkSize: defaultChunkSize}
}

func (t *HTTPTransport) Do(ctx context.Context, id TaskID, req *Request, sink Sink) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), nil)
	if err != nil {
		sink.Complete(id, &TransportError{Err: err})
		return
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		sink.Complete(id, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		sink.Complete(id, &StatusError{Code: resp.StatusCode})
		return
	}

	expected := resp.ContentLength
	if expected < 0 {
		expected = 0
	}
	size := t.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	buf := make([]byte, size)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			sink.Receive(id, buf[:n], expected)
		}
		if errors.Is(readErr, io.EOF) {
			sink.Complete(id, nil)
			return
		}
		if readErr != nil {
			sink.Complete(id, readErr)
			return
		}
	}
}

var _ Transport = (*HTTPTransport)(nil)
