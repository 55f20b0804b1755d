package models

import (
	"time"
)

// TaskState 定义了任务生命周期中的几种可能状态。
type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// Terminal 判断该状态是否为终态。终态任务不再接受任何新事件。
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// Valid 判断该状态是否为已知状态。
func (s TaskState) Valid() bool {
	switch s {
	case TaskStateSubmitted, TaskStateWorking,
		TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// CanTransitionTo 检查从当前状态到目标状态的迁移是否合法。
// 合法迁移: submitted → working → {completed|failed|canceled}。
// submitted 可以直接进入终态（例如提交后立即失败或被取消）；
// submitted 与 working 均允许重复，用于确认回执和携带进度消息的状态更新。
func (s TaskState) CanTransitionTo(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case TaskStateSubmitted:
		return next == TaskStateSubmitted || next == TaskStateWorking || next.Terminal()
	case TaskStateWorking:
		return next == TaskStateWorking || next.Terminal()
	}
	return false
}

// Task 代表任务存储中的一条任务快照。
// 快照由该任务的生产者独占写入，可被任意数量的观察者读取。
type Task struct {
	ID           string                 `json:"id" bson:"_id"`                                  // 任务唯一ID
	SessionID    string                 `json:"session_id,omitempty" bson:"session_id,omitempty"` // 会话ID（可选）
	State        TaskState              `json:"state" bson:"state"`                             // 任务当前状态
	Final        bool                   `json:"final" bson:"final"`                             // 是否已进入终态
	LastSequence int64                  `json:"last_sequence" bson:"last_sequence"`             // 已发出事件的最大序列号
	Metadata     map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`   // 调用方附加的元数据
	CreatedAt    time.Time              `json:"created_at" bson:"created_at"`                   // 任务创建时间
	UpdatedAt    time.Time              `json:"updated_at" bson:"updated_at"`                   // 最近一次变更时间
}
