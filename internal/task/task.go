package task

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/worker"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// Statuses 返回全部状态，顺序与生命周期一致。
func Statuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusPartial}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	return slices.Contains(Statuses(), status)
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartial:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed, StatusPartial},
}

// CanTransition 判断状态迁移是否合法。running→running 仅用于追加阶段记录。
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// 请求参数的枚举取值。
const (
	ContentArticle  = "article"
	ContentReport   = "report"
	ContentBlogPost = "blog_post"
	ContentSummary  = "summary"

	ToneProfessional = "professional"
	ToneCasual       = "casual"
	ToneAcademic     = "academic"
	TonePersuasive   = "persuasive"

	LengthShort  = "short"
	LengthMedium = "medium"
	LengthLong   = "long"

	DepthBasic         = "basic"
	DepthComprehensive = "comprehensive"
)

var (
	supportedContentTypes = []string{ContentArticle, ContentReport, ContentBlogPost, ContentSummary}
	supportedTones        = []string{ToneProfessional, ToneCasual, ToneAcademic, TonePersuasive}
	supportedLengths      = []string{LengthShort, LengthMedium, LengthLong}
	supportedDepths       = []string{DepthBasic, DepthComprehensive}
)

// Request 描述一次研究请求。
type Request struct {
	Topic       string `json:"topic"`
	ContentType string `json:"content_type"`
	Tone        string `json:"tone"`
	Length      string `json:"length,omitempty"`
	Depth       string `json:"depth,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Normalize 去除首尾空白并补全可选字段。content_type 与 tone 为空时使用 article 与 professional。
func (r Request) Normalize() Request {
	r.Topic = strings.TrimSpace(r.Topic)
	r.ContentType = strings.ToLower(strings.TrimSpace(r.ContentType))
	r.Tone = strings.ToLower(strings.TrimSpace(r.Tone))
	r.Length = strings.ToLower(strings.TrimSpace(r.Length))
	r.Depth = strings.ToLower(strings.TrimSpace(r.Depth))
	r.SessionID = strings.TrimSpace(r.SessionID)
	if r.ContentType == "" {
		r.ContentType = ContentArticle
	}
	if r.Tone == "" {
		r.Tone = ToneProfessional
	}
	if r.Length == "" {
		r.Length = LengthMedium
	}
	if r.Depth == "" {
		r.Depth = DepthComprehensive
	}
	return r
}

// Validate 检查请求字段，返回 TASK_VALIDATION_FAILED 错误，metadata 中列出问题字段。
func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Topic) == "" {
		problems = append(problems, "topic 不能为空")
	}
	if !slices.Contains(supportedContentTypes, r.ContentType) {
		problems = append(problems, fmt.Sprintf("不支持的 content_type %q", r.ContentType))
	}
	if !slices.Contains(supportedTones, r.Tone) {
		problems = append(problems, fmt.Sprintf("不支持的 tone %q", r.Tone))
	}
	if r.Length != "" && !slices.Contains(supportedLengths, r.Length) {
		problems = append(problems, fmt.Sprintf("不支持的 length %q", r.Length))
	}
	if r.Depth != "" && !slices.Contains(supportedDepths, r.Depth) {
		problems = append(problems, fmt.Sprintf("不支持的 depth %q", r.Depth))
	}
	if strings.Contains(r.SessionID, ":") {
		problems = append(problems, "session_id 不能包含 ':'")
	}
	if len(problems) == 0 {
		return nil
	}
	return NewValidationError(problems...)
}

// StageStatus 表示单个阶段的执行结果。
type StageStatus string

const (
	StageSuccess  StageStatus = "success"
	StageFailed   StageStatus = "failed"
	StageFallback StageStatus = "fallback"
)

// StageResult 记录一次阶段执行。
type StageResult struct {
	Stage      worker.Stage    `json:"stage"`
	Status     StageStatus     `json:"status"`
	Attempts   int             `json:"attempts"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Duration   time.Duration   `json:"duration_ns"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  xerrors.Code    `json:"error_code,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Artifact 是任务的最终产物。
type Artifact struct {
	Title    string                `json:"title"`
	Content  string                `json:"content"`
	Findings *worker.Findings      `json:"findings,omitempty"`
	Report   *worker.QualityReport `json:"report,omitempty"`
}

// Failure 描述任务失败的原因。Stage 为空表示失败发生在阶段执行之前。
type Failure struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
	Stage   worker.Stage `json:"stage,omitempty"`
}

// Task 描述一次端到端的研究流水线执行。
type Task struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id,omitempty"`
	Topic           string        `json:"topic"`
	ContentType     string        `json:"content_type"`
	Tone            string        `json:"tone"`
	Length          string        `json:"length"`
	Depth           string        `json:"depth"`
	Status          Status        `json:"status"`
	CurrentStage    worker.Stage  `json:"current_stage,omitempty"`
	Stages          []StageResult `json:"stages"`
	Artifact        *Artifact     `json:"artifact,omitempty"`
	Error           *Failure      `json:"error,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Request 还原任务的请求参数。
func (t *Task) Request() Request {
	return Request{
		Topic:       t.Topic,
		ContentType: t.ContentType,
		Tone:        t.Tone,
		Length:      t.Length,
		Depth:       t.Depth,
		SessionID:   t.SessionID,
	}
}

// FallbackStages 返回使用了降级结果的阶段。
func (t *Task) FallbackStages() []worker.Stage {
	var out []worker.Stage
	for _, s := range t.Stages {
		if s.Status == StageFallback {
			out = append(out, s.Stage)
		}
	}
	return out
}

// StageResult 返回指定阶段的记录。
func (t *Task) StageResult(stage worker.Stage) (StageResult, bool) {
	for _, s := range t.Stages {
		if s.Stage == stage {
			return s, true
		}
	}
	return StageResult{}, false
}

// Clone 返回深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Stages != nil {
		out.Stages = make([]StageResult, len(t.Stages))
		for i, s := range t.Stages {
			s.Payload = slices.Clone(s.Payload)
			out.Stages[i] = s
		}
	}
	if t.Artifact != nil {
		a := *t.Artifact
		if a.Findings != nil {
			f := *a.Findings
			f.KeyFindings = slices.Clone(f.KeyFindings)
			f.Sources = slices.Clone(f.Sources)
			a.Findings = &f
		}
		if a.Report != nil {
			r := *a.Report
			r.KeyTopics = slices.Clone(r.KeyTopics)
			r.Recommendations = slices.Clone(r.Recommendations)
			a.Report = &r
		}
		out.Artifact = &a
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return &out
}

const (
	CodeTaskNotFound    xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict    xerrors.Code = "TASK_CONFLICT"
	CodeTaskTerminal    xerrors.Code = "TASK_TERMINAL"
	CodeTaskValidation  xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish     xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskCanceled    xerrors.Code = "TASK_CANCELED"
	CodeTaskInterrupted xerrors.Code = "TASK_INTERRUPTED"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict")
	// ErrTaskTerminal 表示任务已处于终态，不再接受修改。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already terminal")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:   "task already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskCanceled, xerrors.Attributes{
		Message:   "task canceled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskInterrupted, xerrors.Attributes{
		Message:   "task interrupted by process restart",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// NewValidationError 创建请求校验错误。
func NewValidationError(problems ...string) error {
	message := "task validation failed"
	if len(problems) > 0 {
		message = strings.Join(problems, "; ")
	}
	return xerrors.New(CodeTaskValidation, message)
}

// IsValidationError 判断错误是否为请求校验错误。
func IsValidationError(err error) bool {
	return xerrors.HasCode(err, CodeTaskValidation)
}

// IsNotFound 判断错误是否为任务不存在。
func IsNotFound(err error) bool {
	return xerrors.HasCode(err, CodeTaskNotFound)
}
