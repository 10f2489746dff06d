package vitals

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// MaxSessionKeyLen 会话 key 最大长度
const MaxSessionKeyLen = 6

// DefaultChannel 未指定会话时的广播频道
const DefaultChannel = "vitals"

// 推送控制消息
const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventConnectError = "connect_error"
)

// ErrInvalidSessionKey 会话 key 格式不合法
var ErrInvalidSessionKey = errors.New("invalid session key")

const sessionKeyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// SessionKey 会话标识（大写）；空值表示默认/全局数据流
type SessionKey string

// ParseSessionKey 规范化用户输入：去空白、转大写、校验长度与字符
func ParseSessionKey(s string) (SessionKey, error) {
	k := strings.ToUpper(strings.TrimSpace(s))
	if len(k) > MaxSessionKeyLen {
		return "", fmt.Errorf("%w: %q longer than %d characters", ErrInvalidSessionKey, s, MaxSessionKeyLen)
	}
	for _, c := range k {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidSessionKey, s, c)
		}
	}
	return SessionKey(k), nil
}

// IsDefault 是否为默认数据流
func (k SessionKey) IsDefault() bool { return k == "" }

// Channel 推送频道名：默认流为 "vitals"，会话流为 "vitals_{KEY}"
func (k SessionKey) Channel() string {
	if k.IsDefault() {
		return DefaultChannel
	}
	return DefaultChannel + "_" + string(k)
}

func (k SessionKey) String() string { return string(k) }

// SessionFromChannel Channel 的逆运算，无法识别时 ok=false
func SessionFromChannel(channel string) (SessionKey, bool) {
	if channel == DefaultChannel {
		return "", true
	}
	rest, found := strings.CutPrefix(channel, DefaultChannel+"_")
	if !found || rest == "" {
		return "", false
	}
	k, err := ParseSessionKey(rest)
	if err != nil || string(k) != rest {
		return "", false
	}
	return k, true
}

// NewSessionKey 生成随机会话 key（去掉易混淆字符）
func NewSessionKey() (SessionKey, error) {
	buf := make([]byte, MaxSessionKeyLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session key: %w", err)
	}
	for i, b := range buf {
		buf[i] = sessionKeyAlphabet[int(b)%len(sessionKeyAlphabet)]
	}
	return SessionKey(buf), nil
}

// ControlMessage join/leave 消息体；Client 标识发送方，同一客户端重复 join 只计一次
type ControlMessage struct {
	Session string `json:"session"`
	Client  string `json:"client,omitempty"`
}

// ControlFunc 数据提供方处理 join/leave 的回调
type ControlFunc func(event string, session SessionKey, client string)
