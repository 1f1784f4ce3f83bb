package fetch

import (
	"fmt"
	"sort"
	"strings"
)

// Options 是单次加载的行为开关集合。
type Options uint8

const (
	// OnlyFromCache 缓存未命中时直接失败，不访问网络。
	OnlyFromCache Options = 1 << iota
	// MemoryOnly 读写都跳过磁盘层。
	MemoryOnly
	// ForceRefresh 跳过缓存读取，成功后仍回写缓存。
	ForceRefresh
	// SyncDiskWrite 阻塞等待磁盘写入完成。
	SyncDiskWrite
	// SkipLocalFileCache 本地文件结果不写入缓存。
	SkipLocalFileCache
	// DisableCache 完全绕过缓存。
	DisableCache
)

var optionNames = map[string]Options{
	"only-from-cache":       OnlyFromCache,
	"memory-only":           MemoryOnly,
	"force-refresh":         ForceRefresh,
	"sync-disk-write":       SyncDiskWrite,
	"skip-local-file-cache": SkipLocalFileCache,
	"disable-cache":         DisableCache,
}

// Has 判断是否包含全部 flag。
func (o Options) Has(flag Options) bool {
	return o&flag == flag
}

// String 输出逗号分隔的选项名，按名称排序。
func (o Options) String() string {
	var names []string
	for name, flag := range optionNames {
		if o.Has(flag) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// ParseOption 解析单个选项名，大小写与首尾空白不敏感。
func ParseOption(name string) (Options, error) {
	flag, ok := optionNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown option %q", name)
	}
	return flag, nil
}

// ParseOptions 解析选项名列表；每个元素也可以是逗号分隔的多个名称，空元素被忽略。
func ParseOptions(names ...string) (Options, error) {
	var opts Options
	for _, item := range names {
		for _, name := range strings.Split(item, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			flag, err := ParseOption(name)
			if err != nil {
				return 0, err
			}
			opts |= flag
		}
	}
	return opts, nil
}

// OptionNames 返回所有可识别的选项名，供配置校验与 CLI 帮助使用。
func OptionNames() []string {
	names := make([]string, 0, len(optionNames))
	for name := range optionNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
