package transfer

import (
	"errors"
	"fmt"
)

// ErrCancelled 表示订阅或传输被取消。
var ErrCancelled = errors.New("transfer cancelled")

// TransportError 包装底层传输失败（DNS、连接、读超时等）。
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError 表示上游返回了非 2xx 状态码，不会自动重试。
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status code %d", e.Code)
}

var errIncomplete = errors.New("transport returned without completing")
