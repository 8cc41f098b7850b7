package actionlog

import (
	"sync"

	"UPAgent-Chain/internal/executor"
)

// Log 是一段定容的执行结果环形缓冲，为 API 提供最近执行的快照。
// 持久化历史由存储层负责，这里只服务在线查询。
type Log struct {
	mu      sync.RWMutex
	entries []executor.Result
	next    int
	full    bool
}

// New 创建容量为 cap 的行为日志。
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 256
	}
	return &Log{entries: make([]executor.Result, capacity)}
}

// Append 追加一条执行结果，容量耗尽时覆盖最旧的记录。
func (l *Log) Append(result executor.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = result
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Recent 返回最近的 n 条记录，新者在前。n 不大于当前留存量。
func (l *Log) Recent(n int) []executor.Result {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.size()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]executor.Result, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}

// Len 返回当前留存的记录数。
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size()
}

func (l *Log) size() int {
	if l.full {
		return len(l.entries)
	}
	return l.next
}
