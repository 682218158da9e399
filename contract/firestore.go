package contract

import (
	"time"

	"github.com/klipach/devconnect/store"
)

const (
	UsersCollection          = "users"
	CommunitiesCollection    = "communities"
	DirectMessagesCollection = "directMessages"
	MessagesCollection       = "messages"

	DefaultCommunityID   = "general"
	DefaultCommunityName = "General"
)

type User struct {
	ID        string
	Name      string
	Username  string
	Email     string
	PhotoURL  string
	CreatedAt time.Time
}

type Community struct {
	ID        string
	Name      string
	CreatedBy string
	Members   []string
	CreatedAt time.Time
}

type DirectMessage struct {
	ID        string
	Members   []string
	CreatedAt time.Time
}

type Message struct {
	ID        string
	ChannelID string
	SenderID  string
	Text      string
	Username  string
	Avatar    string
	CreatedAt time.Time
}

func UserFromDocument(d *store.Document) User {
	return User{
		ID:        d.ID,
		Name:      store.String(d.Data["name"]),
		Username:  store.String(d.Data["username"]),
		Email:     store.String(d.Data["email"]),
		PhotoURL:  store.String(d.Data["photoURL"]),
		CreatedAt: store.Time(d.Data["createdAt"]),
	}
}

func CommunityFromDocument(d *store.Document) Community {
	return Community{
		ID:        d.ID,
		Name:      store.String(d.Data["name"]),
		CreatedBy: store.String(d.Data["createdBy"]),
		Members:   store.Strings(d.Data["members"]),
		CreatedAt: store.Time(d.Data["createdAt"]),
	}
}

func DirectMessageFromDocument(d *store.Document) DirectMessage {
	return DirectMessage{
		ID:        d.ID,
		Members:   store.Strings(d.Data["members"]),
		CreatedAt: store.Time(d.Data["createdAt"]),
	}
}

func MessageFromDocument(d *store.Document) Message {
	return Message{
		ID:        d.ID,
		ChannelID: store.String(d.Data["channelId"]),
		SenderID:  store.String(d.Data["senderId"]),
		Text:      store.String(d.Data["text"]),
		Username:  store.String(d.Data["username"]),
		Avatar:    store.String(d.Data["avatar"]),
		CreatedAt: store.Time(d.Data["createdAt"]),
	}
}

// Other returns the member of a direct message that is not userID.
func (dm DirectMessage) Other(userID string) (string, bool) {
	for _, m := range dm.Members {
		if m != userID {
			return m, true
		}
	}
	return "", false
}

func (c Community) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}
