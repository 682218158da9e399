package devconnect

import (
	"context"
	"log/slog"

	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/directory"
	"github.com/klipach/devconnect/filter"
	"github.com/klipach/devconnect/log"
	"github.com/klipach/devconnect/session"
)

// buildState renders the session for the client. Lookup failures degrade to fallback names.
func buildState(ctx context.Context, sess *session.Session) contract.StateEvent {
	logger := log.LoggerFromContext(ctx)
	st := sess.State()

	name, err := sess.CurrentChannelName(ctx)
	if err != nil {
		logger.Warn("error while resolving channel name",
			slog.String(log.ChannelIDLogField, st.ActiveChannel),
			slog.String(log.ErrorMsgLogField, err.Error()),
		)
	}
	usernames, err := sess.Directory().Usernames(ctx, memberIDs(st))
	if err != nil {
		logger.Warn("error while resolving usernames", slog.String(log.ErrorMsgLogField, err.Error()))
	}
	return renderState(ctx, st, name, usernames)
}

func memberIDs(st session.State) []string {
	var ids []string
	for _, c := range st.Communities {
		ids = append(ids, c.Members...)
	}
	for _, dm := range st.DirectMessages {
		ids = append(ids, dm.Members...)
	}
	return ids
}

func renderState(ctx context.Context, st session.State, channelName string, usernames map[string]string) contract.StateEvent {
	mentions := make(map[string]string, len(usernames))
	for id, username := range usernames {
		mentions[username] = id
	}

	out := contract.StateEvent{
		User: contract.UserView{
			ID:       st.User.ID,
			Name:     st.User.Name,
			Username: st.User.Username,
			PhotoURL: st.User.PhotoURL,
		},
		ActiveChannel:  st.ActiveChannel,
		ChannelName:    channelName,
		Messages:       make([]contract.MessageView, 0, len(st.Messages)),
		Unread:         st.Unread,
		Communities:    make([]contract.CommunityView, 0, len(st.Communities)),
		DirectMessages: make([]contract.DirectMessageView, 0, len(st.DirectMessages)),
	}
	if out.Unread == nil {
		out.Unread = map[string]int{}
	}

	for _, m := range st.Messages {
		out.Messages = append(out.Messages, contract.MessageView{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Username:  m.Username,
			Avatar:    m.Avatar,
			Text:      m.Text,
			HTML:      filter.Render(ctx, m.Text, mentions),
			CreatedAt: m.CreatedAt,
		})
	}
	for _, c := range st.Communities {
		name := c.Name
		if name == "" {
			name = directory.UnknownCommunity
		}
		out.Communities = append(out.Communities, contract.CommunityView{
			ID:        c.ID,
			Name:      name,
			CreatedBy: c.CreatedBy,
			Members:   members(c.Members, usernames),
		})
	}
	for _, dm := range st.DirectMessages {
		title := directory.UnknownUser
		if other, ok := dm.Other(st.User.ID); ok {
			if username, ok := usernames[other]; ok && username != "" {
				title = username
			}
		}
		out.DirectMessages = append(out.DirectMessages, contract.DirectMessageView{
			ID:      dm.ID,
			Title:   title,
			Members: members(dm.Members, usernames),
		})
	}
	return out
}

func members(ids []string, usernames map[string]string) []contract.MemberView {
	out := make([]contract.MemberView, 0, len(ids))
	for _, id := range ids {
		username, ok := usernames[id]
		if !ok {
			username = directory.UnknownUser
		}
		out = append(out, contract.MemberView{ID: id, Username: username})
	}
	return out
}
