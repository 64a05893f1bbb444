package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInstalled 表示在新缓存代安装完成前尝试激活。
	ErrNotInstalled = errors.New("lifecycle: generation not installed")
	// ErrTransitionInProgress 表示已有安装或激活正在进行。
	ErrTransitionInProgress = errors.New("lifecycle: transition in progress")
)

// InstallError 包装安装阶段的失败原因，通常是 *cache.FetchError。
type InstallError struct {
	Generation string
	Err        error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: %v", e.Generation, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}
