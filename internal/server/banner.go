package server

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// Version 服务版本号
const Version = "0.1.0"

const banner = `
        _      __          __
 ___ _ (_)____/ /  ___ _  / /_    qichat 实时聊天传输服务
/ _ '// // __/ _ \/ _ '/ / __/    websocket: %s
\_, //_/ \__/_//_/\_,_/  \__/     version: %s
 /_/
`

// printBanner 打印启动 banner 和路由表
func (s *Server) printBanner() {
	out := os.Stdout

	fPrint(out, banner, wsURL(s.config.Addr, s.config.WSPath), Version)
	fPrint(out, "\n")

	if routes := s.engine.Routes(); len(routes) > 0 {
		printRoutes(out, routes, s.config.Mode)
		fPrint(out, "\n")
	}

	fPrint(out, "[qichat] Running in %q mode | Go %s | %s/%s\n", s.config.Mode, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fPrint(out, "[qichat] Listening on %s\n", s.config.Addr)
}

// wsURL 拼接访问地址
func wsURL(addr, path string) string {
	switch {
	case strings.HasPrefix(addr, ":"):
		return "ws://127.0.0.1" + addr + path
	case strings.Contains(addr, ":"):
		return "ws://" + addr + path
	default:
		return "ws://127.0.0.1:" + addr + path
	}
}

// printRoutes 格式化打印路由表
func printRoutes(out io.Writer, routes gin.RoutesInfo, mode string) {
	width := 0
	for _, r := range routes {
		width = max(width, len(r.Path))
	}
	for _, r := range routes {
		fPrint(out, "[qichat-%s] %-7s %-*s --> %s\n", mode, r.Method, width, r.Path, r.Handler)
	}
}

// silenceGin 静默 Gin 的默认输出
func silenceGin() {
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard
}

// fPrint 打印到 writer，忽略错误（banner 输出场景）
func fPrint(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}
