package apperr

import "fmt"

const (
	MetaReason   = "reason"
	MetaStage    = "stage"
	MetaField    = "field"
	MetaItemID   = "item_id"
	MetaStep     = "step"
	MetaSelector = "selector"
	MetaURL      = "url"
	MetaPath     = "path"

	StagePreparation = "preparation"
	StageBrowser     = "browser"
	StageNavigation  = "navigation"
	StageInteraction = "interaction"
	StageStateCheck  = "state_check"
	StageFetch       = "fetch"
	StageStorage     = "storage"
	StageEvidence    = "evidence"

	CodeInternal        = "internal"
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeTimeout         = "timeout"
	CodeBusy            = "busy"
	CodeCanceled        = "canceled"
	CodeBrowserNotReady = "browser_not_ready"
	CodeActionFailed    = "action_failed"
	CodeStepFailed      = "step_failed"
)

type Error struct {
	Op       string
	Code     string
	Err      error
	Metadata map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(op, code string, err error, metadata map[string]any) error {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &Error{
		Op:       op,
		Code:     code,
		Err:      err,
		Metadata: metadata,
	}
}

func WrapWithReason(op, code string, err error, reason string) error {
	return Wrap(op, code, err, map[string]any{
		MetaReason: reason,
	})
}

func WrapErrorWithReason(op, code, reason string) error {
	return Wrap(op, code, fmt.Errorf("%s", reason), map[string]any{
		MetaReason: reason,
	})
}

func InvalidReqError(op, field string, err error) error {
	return Wrap(op, CodeInvalidArgument, err, map[string]any{
		MetaField:  field,
		MetaReason: "invalid_request",
	})
}

func NotFoundError(op string, err error) error {
	return Wrap(op, CodeNotFound, err, map[string]any{
		MetaReason: "not_found",
	})
}
