package chat

import (
	"context"
	"log/slog"

	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/log"
	"github.com/klipach/devconnect/store"
)

func channelQuery(channelID string) store.Query {
	return store.QueryEquals(contract.MessagesCollection, "channelId", channelID).Ordered("createdAt")
}

// LoadHistory reads the messages of a channel once, oldest first.
func LoadHistory(ctx context.Context, st store.Store, channelID string) ([]contract.Message, error) {
	logger := log.LoggerFromContext(ctx)

	if channelID == "" {
		return nil, nil
	}
	docs, err := st.Query(ctx, channelQuery(channelID))
	if err != nil {
		return nil, err
	}
	history := messagesFromDocuments(docs)
	logger.Debug("history loaded", slog.String(log.ChannelIDLogField, channelID), slog.Int("messages", len(history)))
	return history, nil
}

func messagesFromDocuments(docs []*store.Document) []contract.Message {
	messages := make([]contract.Message, 0, len(docs))
	for _, d := range docs {
		messages = append(messages, contract.MessageFromDocument(d))
	}
	return messages
}
