package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MatchHalf 比赛半场。
type MatchHalf string

const (
	HalfFirst  MatchHalf = "first"
	HalfSecond MatchHalf = "second"
)

// Valid 判断半场取值是否合法。
func (h MatchHalf) Valid() bool {
	return h == HalfFirst || h == HalfSecond
}

// Side 主客队。
type Side string

const (
	SideHome Side = "home"
	SideAway Side = "away"
)

// Opponent 返回对手一方。
func (s Side) Opponent() Side {
	if s == SideAway {
		return SideHome
	}
	return SideAway
}

// EventType 事件类型，封闭词表。
type EventType string

const (
	EventGoal         EventType = "goal"
	EventShot         EventType = "shot"
	EventSave         EventType = "save"
	EventFoul         EventType = "foul"
	EventYellowCard   EventType = "yellow_card"
	EventRedCard      EventType = "red_card"
	EventCorner       EventType = "corner"
	EventOffside      EventType = "offside"
	EventSubstitution EventType = "substitution"
	EventChance       EventType = "chance"
	EventPenalty      EventType = "penalty"
	EventFreeKick     EventType = "free_kick"
	EventThrowIn      EventType = "throw_in"
	EventInjury       EventType = "injury"
	EventVARReview    EventType = "var_review"
)

// EventTypes 返回完整词表，顺序固定，用于提示词与校验。
func EventTypes() []EventType {
	return []EventType{
		EventGoal, EventShot, EventSave, EventFoul, EventYellowCard, EventRedCard,
		EventCorner, EventOffside, EventSubstitution, EventChance, EventPenalty,
		EventFreeKick, EventThrowIn, EventInjury, EventVARReview,
	}
}

// Event sources.
const (
	SourceText       = "text"
	SourceMultimodal = "multimodal"
	SourceAudio      = "audio"
)

// ApprovalPending 事件默认审核状态，人工审核由外部系统负责。
const ApprovalPending = "pending"

// EventMetadata 事件附加信息。
type EventMetadata struct {
	Team        Side      `json:"team"`
	IsOwnGoal   bool      `json:"isOwnGoal"`
	TeamName    string    `json:"teamName"`
	Source      string    `json:"source"`
	VideoSecond int       `json:"videoSecond"`
	Half        MatchHalf `json:"half"`
	Confidence  float64   `json:"confidence,omitempty"`
}

// MatchEvent 表示一条比赛事件，入库后不再修改。
type MatchEvent struct {
	ID             string                            `gorm:"primaryKey" json:"id"`
	MatchID        string                            `gorm:"index:idx_event_match_half" json:"matchId"`
	JobID          string                            `gorm:"index" json:"jobId"`
	EventType      EventType                         `json:"eventType"`
	Minute         int                               `json:"minute"`
	Second         int                               `json:"second"`
	Description    string                            `json:"description"`
	MatchHalf      MatchHalf                         `gorm:"index:idx_event_match_half" json:"matchHalf"`
	Metadata       datatypes.JSONType[EventMetadata] `json:"metadata"`
	ApprovalStatus string                            `json:"approvalStatus"`
	IsHighlight    bool                              `json:"isHighlight"`
	CreatedAt      time.Time                         `json:"createdAt"`
}

// Meta 返回元数据。
func (e MatchEvent) Meta() EventMetadata {
	return e.Metadata.Data()
}

// WithMeta 返回替换元数据后的副本。
func (e MatchEvent) WithMeta(meta EventMetadata) MatchEvent {
	e.Metadata = datatypes.NewJSONType(meta)
	return e
}

// BeforeCreate 为缺少主键的事件生成 UUID。
func (e *MatchEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ApprovalStatus == "" {
		e.ApprovalStatus = ApprovalPending
	}
	return nil
}
