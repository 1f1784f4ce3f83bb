package transfer

// Source 标记结果的来源。
type Source int

const (
	SourceMemory Source = iota
	SourceDisk
	SourceLocalFile
	// SourceNetwork 只会交给触发传输的那个订阅者。
	SourceNetwork
	// SourceNetworkShared 表示结果来自他人发起的同一次传输（合并请求或完成后的回放）。
	SourceNetworkShared
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	case SourceLocalFile:
		return "local-file"
	case SourceNetwork:
		return "network"
	case SourceNetworkShared:
		return "network-shared"
	default:
		return "unknown"
	}
}

// Response 是交给调用方的最终结果。Data 在传输结束后不再变化，多个订阅者共享同一底层数组，调用方不得修改。
type Response struct {
	Data   []byte
	Source Source
}

// ProgressFunc 报告已接收字节数与预期总数（未知时为 0）。
type ProgressFunc func(completed, total int64)

// CompletionFunc 在订阅结束时恰好调用一次。
type CompletionFunc func(Response, error)
