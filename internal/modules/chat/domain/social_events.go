package domain

import "encoding/json"

// Group lifecycle event types published by the group service.
const (
	GroupMemberJoined = "group.member.joined"
	GroupMemberLeft   = "group.member.left"
	GroupDismissed    = "group.dismissed"
)

// NoticeRequest asks for a notice to be delivered to one user.
type NoticeRequest struct {
	To   string          `json:"to"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// GroupEvent describes a membership change that affects broker topology.
type GroupEvent struct {
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId"`
}
