package models

import (
	"encoding/json"
	"time"
)

// EventKind 定义了事件的两种类型：状态更新与产物输出。
type EventKind string

const (
	EventKindStatus   EventKind = "status"
	EventKindArtifact EventKind = "artifact"
)

// Valid 判断事件类型是否合法。
func (k EventKind) Valid() bool {
	return k == EventKindStatus || k == EventKindArtifact
}

// Event 是任务进度的一个可观测单元，由事件日志持有、仅由发射器创建。
// 同一任务的序列号从 1 开始严格递增且不重复；事件一经追加不可变更。
type Event struct {
	TaskID    string          `json:"task_id" bson:"task_id"`                   // 所属任务ID
	Sequence  int64           `json:"sequence" bson:"sequence"`                 // 任务内单调递增的序列号
	Kind      EventKind       `json:"kind" bson:"kind"`                         // 事件类型 (status | artifact)
	State     TaskState       `json:"state,omitempty" bson:"state,omitempty"`   // 事件发出时的任务状态
	Payload   json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"` // 按类型约定的结构化负载
	Final     bool            `json:"final" bson:"final"`                       // 镜像发出时刻的 Task.Final
	Timestamp time.Time       `json:"timestamp" bson:"timestamp"`               // 事件产生时间
}

// StatusPayload 是 status 类事件负载的结构化模式，在发射器边界校验。
type StatusPayload struct {
	State   TaskState `json:"state"`             // 目标任务状态
	Message string    `json:"message,omitempty"` // 人类可读的进度描述
}
