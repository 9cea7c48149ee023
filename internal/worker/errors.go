package worker

import (
	"context"
	stdErrors "errors"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
)

const (
	CodeTransient xerrors.Code = "WORKER_TRANSIENT"
	CodePermanent xerrors.Code = "WORKER_PERMANENT"
)

func init() {
	xerrors.Register(CodeTransient, xerrors.Attributes{
		Message:   "transient worker failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodePermanent, xerrors.Attributes{
		Message:   "permanent worker failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Transient 将错误标记为可重试。已经分类的错误保持原样。
func Transient(err error) error {
	if err == nil || classified(err) {
		return err
	}
	return xerrors.Wrap(CodeTransient, err, "")
}

// Permanent 将错误标记为不可重试。已经分类的错误保持原样。
func Permanent(err error) error {
	if err == nil || classified(err) {
		return err
	}
	return xerrors.Wrap(CodePermanent, err, "")
}

// IsTransient 判断错误是否值得重试。
//
// 显式分类优先；未分类时，超时与注册为可重试的错误码（例如 STORE_UNAVAILABLE）
// 视为可重试，调用方取消与其他错误视为不可重试。
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case xerrors.HasCode(err, CodePermanent):
		return false
	case xerrors.HasCode(err, CodeTransient):
		return true
	case stdErrors.Is(err, context.Canceled):
		return false
	}
	return xerrors.RetryableError(err)
}

// CodeOf 返回用于阶段记录的错误码，未分类错误按是否可重试归入两类之一。
func CodeOf(err error) xerrors.Code {
	if err == nil {
		return ""
	}
	if xerrors.HasCode(err, CodePermanent) {
		return CodePermanent
	}
	if xerrors.HasCode(err, CodeTransient) {
		return CodeTransient
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeUnknown {
		return code
	}
	if IsTransient(err) {
		return CodeTransient
	}
	return CodePermanent
}

func classified(err error) bool {
	return xerrors.HasCode(err, CodeTransient) || xerrors.HasCode(err, CodePermanent)
}
