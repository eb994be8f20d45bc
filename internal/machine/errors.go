package machine

import (
	"errors"
	"fmt"
)

var (
	ErrMachineNotFound = errors.New("machine not found")

	ErrMachineNotReady = errors.New("machine did not become ready")

	ErrDestroyUnverified = errors.New("machine still present after destroy")
)

// APIError provisioning API 返回的非 2xx 响应。Body 只用于日志，不能返回给 HTTP 调用方
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provisioning api %s: status %d", e.Op, e.StatusCode)
}

func (e *APIError) Is(target error) bool {
	return target == ErrMachineNotFound && e.StatusCode == 404
}
