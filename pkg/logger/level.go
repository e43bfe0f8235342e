package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level 日志级别，数值与 zapcore.Level 一致
type Level int8

const (
	DebugLevel Level = Level(zapcore.DebugLevel)
	InfoLevel  Level = Level(zapcore.InfoLevel)
	WarnLevel  Level = Level(zapcore.WarnLevel)
	ErrorLevel Level = Level(zapcore.ErrorLevel)
)

func (l Level) String() string {
	return zapcore.Level(l).String()
}

// ParseLevel 解析级别名，忽略大小写与首尾空白
func ParseLevel(text string) (Level, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(text)))); err != nil {
		return InfoLevel, fmt.Errorf("logger: unknown level %q", text)
	}
	return Level(zl), nil
}
