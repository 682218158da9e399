package contract

import "time"

// Actions sent by clients over the Connect WebSocket.
const (
	ActionSelect          = "select"
	ActionSend            = "send"
	ActionCreateCommunity = "create_community"
	ActionInvite          = "invite"
	ActionStartDM         = "start_dm"
	ActionUpdateProfile   = "update_profile"
	ActionRefreshToken    = "refresh_token"
	ActionPing            = "ping"
)

// Events sent to clients.
const (
	EventState = "state"
	EventAck   = "ack"
	EventError = "error"
	EventPong  = "pong"
)

type ActionRequest struct {
	Type string `json:"type"`
	// RequestID is echoed in the ack or error event answering this action.
	RequestID   string `json:"request_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	CommunityID string `json:"community_id,omitempty"`
	Text        string `json:"text,omitempty"`
	Name        string `json:"name,omitempty"`
	Username    string `json:"username,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
	Token       string `json:"token,omitempty"`
}

type Event struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	ChannelID string      `json:"channel_id,omitempty"`
	State     *StateEvent `json:"state,omitempty"`
	Error     *ErrorEvent `json:"error,omitempty"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StateEvent struct {
	User           UserView            `json:"user"`
	ActiveChannel  string              `json:"active_channel"`
	ChannelName    string              `json:"channel_name"`
	Messages       []MessageView       `json:"messages"`
	Unread         map[string]int      `json:"unread"`
	Communities    []CommunityView     `json:"communities"`
	DirectMessages []DirectMessageView `json:"direct_messages"`
}

type UserView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	PhotoURL string `json:"photo_url"`
}

type MessageView struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar"`
	Text      string    `json:"text"`
	HTML      string    `json:"html"`
	CreatedAt time.Time `json:"created_at"`
}

type MemberView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type CommunityView struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	CreatedBy string       `json:"created_by"`
	Members   []MemberView `json:"members"`
}

type DirectMessageView struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Members []MemberView `json:"members"`
}
