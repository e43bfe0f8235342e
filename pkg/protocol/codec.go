package protocol

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/oklog/ulid/v2"
)

// codec 使用标准库兼容配置（map 键有序，便于内容哈希）
var codec = sonic.ConfigStd

// Marshal 序列化
func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Unmarshal 反序列化
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID 生成单调递增的 ULID
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
