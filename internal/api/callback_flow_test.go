package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samhotchkiss/popo-bridge/internal/agent"
	"github.com/samhotchkiss/popo-bridge/internal/config"
	"github.com/samhotchkiss/popo-bridge/internal/dispatch"
	"github.com/samhotchkiss/popo-bridge/internal/memory"
	"github.com/samhotchkiss/popo-bridge/internal/messenger"
	"github.com/samhotchkiss/popo-bridge/internal/webhook"
)

const flowAESKey = "PFPsJJk5AnYEJwcXHeDdwBm6f2AQCsGF"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type blockingAgent struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *blockingAgent) Invoke(ctx context.Context, req agent.Request) (*agent.Response, error) {
	a.once.Do(func() { close(a.started) })
	select {
	case <-a.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &agent.Response{Answer: "echo: " + req.Query, ConversationID: "conv-42"}, nil
}

type delivery struct {
	receiver string
	text     string
}

type capturingMessenger struct {
	mu   sync.Mutex
	sent []delivery
}

func (m *capturingMessenger) Send(_ context.Context, _ messenger.Credentials, receiver, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, delivery{receiver: receiver, text: message})
	return nil
}

func (m *capturingMessenger) deliveries() []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delivery(nil), m.sent...)
}

func TestCallbackAnswersInBackground(t *testing.T) {
	bot := config.BotSettings{
		ID:                  "team-a",
		Token:               "callback-token",
		AESKey:              flowAESKey,
		AppKey:              "app-key",
		AppSecret:           "app-secret",
		AgentType:           agent.TypeChat,
		GroupReplyMethod:    config.GroupReplyGroup,
		WorkflowInputField:  "popo_input_message",
		WorkflowOutputField: "popo_output_message",
	}
	store := memory.NewLocalStore(time.Hour, memory.WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	}))
	backend := &blockingAgent{started: make(chan struct{}), release: make(chan struct{})}
	msgr := &capturingMessenger{}

	engine, err := dispatch.NewEngine(dispatch.Options{
		Store:     store,
		Invoker:   backend,
		Messenger: msgr,
		Logger:    quietLogger(),
		PoolSize:  2,
		Location:  time.UTC,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(time.Second) })

	srv := httptest.NewServer(NewRouter(RouterOptions{
		Bots:       config.Bots{"team-a": bot},
		Dispatcher: engine,
		Logger:     quietLogger(),
	}))
	t.Cleanup(srv.Close)

	codec, err := webhook.NewCipher(flowAESKey)
	require.NoError(t, err)
	ciphertext, err := codec.Encrypt(`{"eventType":"IM_P2P_TO_ROBOT_MSG","eventData":{"msgType":1,"addtime":"2025-06-01 10:00:00","sessionType":1,"robotIds":["robot@corp.example.com"],"from":"alice@corp.example.com","to":"robot@corp.example.com","sessionId":"p2p-session-9","uuid":"msg-9","notify":"ping"}}`)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]string{"encrypt": ciphertext})
	require.NoError(t, err)

	q := url.Values{}
	q.Set(webhook.TimestampParam, "1717236000")
	q.Set(webhook.NonceParam, "nonce-9")
	q.Set(webhook.SignatureParam, webhook.Sign(bot.Token, "1717236000", "nonce-9"))

	resp, err := http.Post(srv.URL+"/bots/team-a/callback?"+q.Encode(), "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, raw)

	select {
	case <-backend.started:
	case <-time.After(2 * time.Second):
		t.Fatal("agent was never invoked")
	}
	assert.Empty(t, msgr.deliveries(), "nothing is sent while the agent is still working")

	close(backend.release)

	require.Eventually(t, func() bool { return len(msgr.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, delivery{receiver: "alice@corp.example.com", text: "echo: ping"}, msgr.deliveries()[0])

	require.Eventually(t, func() bool {
		entry, err := store.Get(context.Background(), memory.Key("team-a", "app-key", "p2p-session-9"))
		return err == nil && entry != nil && entry.ConversationID == "conv-42"
	}, 2*time.Second, 10*time.Millisecond)
}
