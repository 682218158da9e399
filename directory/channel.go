package directory

import "github.com/klipach/devconnect/contract"

type ChannelKind int

const (
	KindUnknown ChannelKind = iota
	KindCommunity
	KindDirectMessage
)

func (k ChannelKind) String() string {
	switch k {
	case KindCommunity:
		return "community"
	case KindDirectMessage:
		return "dm"
	}
	return "unknown"
}

// Channel is a community or a direct message, resolved once by id.
type Channel struct {
	ID            string
	Kind          ChannelKind
	Community     *contract.Community
	DirectMessage *contract.DirectMessage
}

func (c Channel) Members() []string {
	switch c.Kind {
	case KindCommunity:
		return c.Community.Members
	case KindDirectMessage:
		return c.DirectMessage.Members
	}
	return nil
}

func (c Channel) HasMember(userID string) bool {
	for _, m := range c.Members() {
		if m == userID {
			return true
		}
	}
	return false
}
