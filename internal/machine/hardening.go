package machine

import (
	"maps"
	"strings"

	"previewd/internal/tier"
)

var reservedEnvPrefixes = []string{"FLY_", "PREVIEWD_"}

// Harden 在发送给 provider 之前对 machine 配置应用安全策略：
// 丢弃 tier 不允许的端口服务，禁用重启，移除保留的环境变量
func Harden(cfg Config, t tier.Tier) Config {
	out := cfg
	out.Env = maps.Clone(cfg.Env)
	out.Metadata = maps.Clone(cfg.Metadata)
	if out.Env == nil {
		out.Env = map[string]string{}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}

	out.Services = nil
	for _, svc := range cfg.Services {
		if t.PortAllowed(svc.InternalPort) {
			out.Services = append(out.Services, svc)
		}
	}

	for k := range out.Env {
		for _, prefix := range reservedEnvPrefixes {
			if strings.HasPrefix(strings.ToUpper(k), prefix) {
				delete(out.Env, k)
				break
			}
		}
	}
	out.Env["NODE_ENV"] = "production"

	// 预览机器不重启，退出即销毁
	out.Restart = RestartPolicy{Policy: "no"}
	out.AutoDestroy = true
	out.Metadata[MetaManagedBy] = ManagedByValue

	return out
}
