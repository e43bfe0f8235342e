package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qichat/internal/server"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
auth:
  secret: "0123456789abcdef0123456789abcdef"
database:
  dsn: "file:` + filepath.ToSlash(filepath.Join(dir, "qichat.db")) + `"
log:
  level: warn
  console: false
  file: "` + filepath.ToSlash(filepath.Join(dir, "qichat.log")) + `"
`
	path := filepath.Join(dir, "qichat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

// TestVersionCmd 测试版本输出
func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, server.Version, out)
}

// TestAdminCmds 测试用户、好友、成员管理与签发令牌
func TestAdminCmds(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "-c", cfg, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "migrated", out)

	for _, args := range [][]string{
		{"user", "create", "alice", "alice"},
		{"user", "create", "bob", "bob"},
		{"friend", "add", "alice", "bob"},
		{"member", "add", "s1", "alice"},
		{"user", "revoke", "alice"},
	} {
		out, err := execute(t, append([]string{"--config", cfg}, args...)...)
		require.NoError(t, err, "%v", args)
		assert.Equal(t, "ok", out)
	}

	out, err = execute(t, "-c", cfg, "token", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "."), "not a JWT: %q", out)

	_, err = execute(t, "-c", cfg, "token", "ghost")
	assert.Error(t, err)

	_, err = execute(t, "-c", cfg, "user", "create", "only-id")
	assert.Error(t, err)
}

// TestConfigFromEnv 测试从环境变量读取配置路径
func TestConfigFromEnv(t *testing.T) {
	cfg := writeConfig(t)
	t.Setenv(configEnv, cfg)

	opts := &rootOptions{}
	assert.Equal(t, cfg, opts.file())

	opts.configFile = "other.yaml"
	assert.Equal(t, "other.yaml", opts.file())
}

// TestMissingSecret 测试缺少密钥时拒绝启动
func TestMissingSecret(t *testing.T) {
	t.Setenv(configEnv, "")
	_, err := execute(t, "migrate")
	assert.Error(t, err)
}
