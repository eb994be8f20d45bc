// Package tier 预览会话的静态资源和时长限额
package tier

import (
	"slices"
	"strings"
	"time"
)

type Name string

const (
	Free  Name = "free"
	Basic Name = "basic"
	Pro   Name = "pro"
)

// Default 未知 tier 名称时使用
const Default = Free

type Guest struct {
	CPUKind  string
	CPUs     int
	MemoryMB int
}

type Tier struct {
	Name           Name
	Guest          Guest
	MaxDuration    time.Duration
	AllowedPorts   []int
	BlockedRegions []string

	// 告警阈值（百分比）
	CPUAlertPercent    float64
	MemoryAlertPercent float64
}

var tiers = map[Name]Tier{
	Free: {
		Name:               Free,
		Guest:              Guest{CPUKind: "shared", CPUs: 1, MemoryMB: 256},
		MaxDuration:        1 * time.Hour,
		AllowedPorts:       []int{3000, 8080},
		BlockedRegions:     []string{"gru", "jnb", "syd"},
		CPUAlertPercent:    80,
		MemoryAlertPercent: 85,
	},
	Basic: {
		Name:               Basic,
		Guest:              Guest{CPUKind: "shared", CPUs: 1, MemoryMB: 512},
		MaxDuration:        4 * time.Hour,
		AllowedPorts:       []int{3000, 8080, 5173},
		BlockedRegions:     []string{"jnb"},
		CPUAlertPercent:    85,
		MemoryAlertPercent: 90,
	},
	Pro: {
		Name:               Pro,
		Guest:              Guest{CPUKind: "performance", CPUs: 2, MemoryMB: 2048},
		MaxDuration:        8 * time.Hour,
		AllowedPorts:       []int{3000, 8080, 5173, 4321},
		CPUAlertPercent:    90,
		MemoryAlertPercent: 90,
	},
}

// Parse 判断 name 是否为已知 tier，忽略大小写和首尾空白
func Parse(name string) (Name, bool) {
	n := Name(strings.ToLower(strings.TrimSpace(name)))
	_, ok := tiers[n]
	return n, ok
}

// Normalize 把 name 映射为已知 tier，未知时返回 Default
func Normalize(name string) Name {
	if n, ok := Parse(name); ok {
		return n
	}
	return Default
}

// Lookup 返回 name 对应的 tier，未知时返回 Default
func Lookup(name string) Tier {
	return Get(Normalize(name))
}

func Get(n Name) Tier {
	t, ok := tiers[n]
	if !ok {
		t = tiers[Default]
	}
	// 返回副本，避免调用方修改共享切片
	t.AllowedPorts = slices.Clone(t.AllowedPorts)
	t.BlockedRegions = slices.Clone(t.BlockedRegions)
	return t
}

// All 按限额从小到大返回所有 tier
func All() []Tier {
	return []Tier{Get(Free), Get(Basic), Get(Pro)}
}

func (t Tier) MaxDurationHours() float64 {
	return t.MaxDuration.Hours()
}

func (t Tier) PortAllowed(port int) bool {
	return slices.Contains(t.AllowedPorts, port)
}

func (t Tier) RegionBlocked(region string) bool {
	return slices.Contains(t.BlockedRegions, region)
}
