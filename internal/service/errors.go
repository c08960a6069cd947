package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrNotFound               = errors.New("not found")
	ErrAccessDenied           = errors.New("access denied")
	ErrNotAMember             = errors.New("not an active member of the conversation")
	ErrInsufficientPermission = errors.New("insufficient permission")
	ErrDuplicateReaction      = errors.New("reaction already exists")
	ErrInvalidDirectSize      = errors.New("direct conversation requires exactly two distinct participants")
	ErrInvalidMembership      = errors.New("member must be an existing active user")
	ErrInvalidReply           = errors.New("reply target must be a message in the same conversation")
	ErrInvalidInput           = errors.New("invalid input")
	ErrMessageDeleted         = errors.New("message has been deleted")
	ErrTransientIO            = errors.New("storage temporarily unavailable")
)
