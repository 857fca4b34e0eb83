package collab

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindAuthentication
	KindConflict
	KindValidation
	KindPersistence
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	case KindProtocol:
		return "protocol"
	default:
		return "internal"
	}
}

// 错误码，原样下发给客户端
const (
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeStaleVersion      = "STALE_VERSION"
	CodeFieldLocked       = "FIELD_LOCKED"
	CodePublishInProgress = "PUBLISH_IN_PROGRESS"
	CodePublished         = "PUBLISHED"
	CodeStalePublish      = "STALE_PUBLISH"
	CodeInvalidPatch      = "INVALID_PATCH"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodePersistence       = "PERSISTENCE_FAILED"
	CodeRoomDegraded      = "ROOM_DEGRADED"
	CodeNotJoined         = "NOT_JOINED"
	CodeForbidden         = "FORBIDDEN"
	CodeDraftNotFound     = "DRAFT_NOT_FOUND"
	CodeOwnedElsewhere    = "DRAFT_OWNED_ELSEWHERE"
	CodeRoomClosed        = "ROOM_CLOSED"
	CodeBusy              = "BUSY"
)

var (
	ErrRoomClosed = errors.New("room closed")
	ErrNotJoined  = errors.New("session has not joined this draft")
)

// Error 是房间返回给调用方的结构化拒绝
type Error struct {
	Kind           ErrorKind
	Code           string
	Message        string
	CurrentVersion int64
	Owner          string
	// 房间已经把拒绝事件发给了请求方，连接层不用再回 error
	Notified bool
	Err      error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Notified 报告 err 是否已由房间以事件形式通知过请求方
func Notified(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Notified
}

func newError(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func staleVersion(current int64) *Error {
	return &Error{Kind: KindConflict, Code: CodeStaleVersion, Message: "base version is not current", CurrentVersion: current}
}

// KindOf 把任意错误归类，非 *Error 一律视为 internal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotJoined) {
		return KindProtocol
	}
	return KindInternal
}

// CodeOf 返回下发给客户端的错误码
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined
	case errors.Is(err, ErrRoomClosed):
		return CodeRoomClosed
	}
	return "INTERNAL"
}
