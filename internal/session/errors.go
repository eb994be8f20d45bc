package session

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInFlight 另一个请求持有相同的 claim
	ErrSessionInFlight = errors.New("session creation already in progress")

	// ErrTransitionConflict 记录已不处于期望状态
	ErrTransitionConflict = errors.New("session status changed concurrently")

	ErrInvalidRequest = errors.New("invalid request")

	// ErrClaimMismatch 幂等键已被同一用户的其他项目占用
	ErrClaimMismatch = errors.New("idempotency key already used for another project")

	ErrProvisioningFailed = errors.New("failed to provision machine")

	// ErrSessionCancelled 创建 machine 期间会话已被结束
	ErrSessionCancelled = errors.New("session ended during provisioning")

	ErrNoMachine = errors.New("session has no machine")
)

// ClaimConflictError 携带已持有 claim key 的存活会话
type ClaimConflictError struct {
	Existing *Session
}

func (e *ClaimConflictError) Error() string {
	return ErrSessionInFlight.Error()
}

func (e *ClaimConflictError) Is(target error) bool {
	return target == ErrSessionInFlight
}
