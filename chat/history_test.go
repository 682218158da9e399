package chat

import (
	"context"
	"testing"

	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/store"
	"github.com/klipach/devconnect/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHistory(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	for _, m := range []struct{ channel, text string }{
		{"general", "first"},
		{"other", "elsewhere"},
		{"general", "second"},
	} {
		_, err := st.Add(ctx, contract.MessagesCollection, map[string]any{
			"channelId": m.channel,
			"senderId":  "u1",
			"text":      m.text,
			"createdAt": store.ServerTimestamp,
		})
		require.NoError(t, err)
	}

	tests := []struct {
		name      string
		channelID string
		expected  []string
	}{
		{name: "channel with messages", channelID: "general", expected: []string{"first", "second"}},
		{name: "channel without messages", channelID: "quiet", expected: []string{}},
		{name: "no channel", channelID: "", expected: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history, err := LoadHistory(ctx, st, tt.channelID)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, texts(history))
		})
	}
}

func texts(messages []contract.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Text)
	}
	return out
}
