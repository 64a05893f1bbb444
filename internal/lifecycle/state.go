package lifecycle

// State 是控制器当前所处的生命周期阶段。
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	// StateInstalled 表示新缓存代已就绪，正在等待激活。
	StateInstalled
	StateActivating
	StateActive
	// StateRedundant 表示安装失败，本控制器不会再接管请求。
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}
