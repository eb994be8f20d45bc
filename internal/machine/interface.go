package machine

import "context"

// API 是 provisioning 边界，每次调用都限定在一个应用命名空间内
type API interface {
	CreateMachine(ctx context.Context, req CreateRequest) (*Machine, error)
	GetMachine(ctx context.Context, id string) (*Machine, error)
	ListMachines(ctx context.Context) ([]*Machine, error)
	StartMachine(ctx context.Context, id string) error
	StopMachine(ctx context.Context, id string) error
	DestroyMachine(ctx context.Context, id string, force bool) error
}

// UsageSampler 由能上报实时用量的后端实现
type UsageSampler interface {
	SampleUsage(ctx context.Context, id string) (*Usage, error)
}

// URLResolver 由知道 machine 访问地址的后端实现
type URLResolver interface {
	MachineURL(m *Machine) string
}
