package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 在临时目录写入 config.toml，extra 中的文件（如清单）写在同一目录。
func writeTempConfig(t *testing.T, content string, extra ...map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for _, files := range extra {
		for name, body := range files {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
				t.Fatalf("写入 %s 失败: %v", name, err)
			}
		}
	}
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
