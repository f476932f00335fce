package messenger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePOPO struct {
	t           *testing.T
	tokenCalls  atomic.Int32
	sendStatus  int
	sendErrCode int
	mu          sync.Mutex
	sent        []sendRequest
	tokens      []string
}

func (f *fakePOPO) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		if body["appSecret"] != "secret" {
			_, _ = w.Write([]byte(`{"errcode":40001,"errmsg":"bad secret"}`))
			return
		}
		n := f.tokenCalls.Add(1)
		_, _ = w.Write([]byte(`{"errcode":0,"data":{"accessToken":"tok-` + string(rune('0'+n)) + `"}}`))
	})
	mux.HandleFunc("/im/send-msg", func(w http.ResponseWriter, r *http.Request) {
		var body sendRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.sent = append(f.sent, body)
		f.tokens = append(f.tokens, r.Header.Get("Open-Access-Token"))
		f.mu.Unlock()

		status := f.sendStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if f.sendErrCode != 0 {
			_, _ = w.Write([]byte(`{"errcode":500,"errmsg":"receiver not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	})
	return mux
}

var testCreds = Credentials{AppKey: "app-key", AppSecret: "secret"}

func TestValidateReceiver(t *testing.T) {
	tests := []struct {
		receiver string
		want     ReceiverType
		ok       bool
	}{
		{receiver: "alice@corp.example.com", want: ReceiverUser, ok: true},
		{receiver: "a.b+c@mesg.corp.netease.com", want: ReceiverUser, ok: true},
		{receiver: "12345", want: ReceiverGroup, ok: true},
		{receiver: "1234567890", want: ReceiverGroup, ok: true},
		{receiver: "1234", ok: false},
		{receiver: "12345678901", ok: false},
		{receiver: "alice", ok: false},
		{receiver: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.receiver, func(t *testing.T) {
			got, err := ValidateReceiver(tt.receiver)
			if !tt.ok {
				require.ErrorIs(t, err, ErrInvalidReceiver)
				require.ErrorIs(t, err, ErrDelivery)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientSend(t *testing.T) {
	popo := &fakePOPO{t: t}
	server := httptest.NewServer(popo.handler())
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	err := client.Send(context.Background(), testCreds, "alice@corp.example.com", "see ![chart](https://img.example.com/a.png)")
	require.NoError(t, err)

	require.Len(t, popo.sent, 1)
	sent := popo.sent[0]
	assert.Equal(t, "alice@corp.example.com", sent.Receiver)
	assert.Equal(t, "rich_text", sent.MsgType)
	require.Len(t, sent.Message.Content, 1)
	assert.Equal(t, "text", sent.Message.Content[0].Tag)
	assert.Equal(t, "see [img]https://img.example.com/a.png[/img]", sent.Message.Content[0].Text)
	assert.Equal(t, "tok-1", popo.tokens[0])
}

func TestClientCachesToken(t *testing.T) {
	popo := &fakePOPO{t: t}
	server := httptest.NewServer(popo.handler())
	defer server.Close()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	client := NewClient(ClientOptions{
		BaseURL:  server.URL,
		TokenTTL: time.Minute,
		Now:      func() time.Time { return now },
	})

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, testCreds, "12345", "one"))
	require.NoError(t, client.Send(ctx, testCreds, "12345", "two"))
	assert.Equal(t, int32(1), popo.tokenCalls.Load())

	now = now.Add(2 * time.Minute)
	require.NoError(t, client.Send(ctx, testCreds, "12345", "three"))
	assert.Equal(t, int32(2), popo.tokenCalls.Load())
	assert.Equal(t, []string{"tok-1", "tok-1", "tok-2"}, popo.tokens)
}

func TestClientSendFailures(t *testing.T) {
	t.Run("invalid receiver makes no request", func(t *testing.T) {
		popo := &fakePOPO{t: t}
		server := httptest.NewServer(popo.handler())
		defer server.Close()

		err := NewClient(ClientOptions{BaseURL: server.URL}).Send(context.Background(), testCreds, "not-a-receiver", "x")
		require.ErrorIs(t, err, ErrInvalidReceiver)
		assert.Zero(t, popo.tokenCalls.Load())
	})

	t.Run("token rejected", func(t *testing.T) {
		popo := &fakePOPO{t: t}
		server := httptest.NewServer(popo.handler())
		defer server.Close()

		err := NewClient(ClientOptions{BaseURL: server.URL}).Send(context.Background(),
			Credentials{AppKey: "app-key", AppSecret: "wrong"}, "12345", "x")
		require.ErrorIs(t, err, ErrToken)
		assert.Contains(t, err.Error(), "bad secret")
		assert.Empty(t, popo.sent)
	})

	t.Run("send errcode drops cached token", func(t *testing.T) {
		popo := &fakePOPO{t: t, sendErrCode: 500}
		server := httptest.NewServer(popo.handler())
		defer server.Close()

		client := NewClient(ClientOptions{BaseURL: server.URL})
		err := client.Send(context.Background(), testCreds, "12345", "x")
		require.ErrorIs(t, err, ErrDelivery)
		assert.Contains(t, err.Error(), "receiver not found")

		_ = client.Send(context.Background(), testCreds, "12345", "y")
		assert.Equal(t, int32(2), popo.tokenCalls.Load())
	})

	t.Run("http error without body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		err := NewClient(ClientOptions{BaseURL: server.URL}).Send(context.Background(), testCreds, "12345", "x")
		require.ErrorIs(t, err, ErrDelivery)
	})
}

func TestClientKeepMarkdownImages(t *testing.T) {
	popo := &fakePOPO{t: t}
	server := httptest.NewServer(popo.handler())
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, KeepMarkdownImages: true})
	require.NoError(t, client.Send(context.Background(), testCreds, "12345", "![a](b.png)"))
	assert.Equal(t, "![a](b.png)", popo.sent[0].Message.Content[0].Text)
}

func TestClientKeepMarkdownImagesPerApplication(t *testing.T) {
	popo := &fakePOPO{t: t}
	server := httptest.NewServer(popo.handler())
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	keep := testCreds
	keep.KeepMarkdownImages = true
	require.NoError(t, client.Send(context.Background(), keep, "12345", "![a](b.png)"))
	require.NoError(t, client.Send(context.Background(), testCreds, "12345", "![a](b.png)"))

	assert.Equal(t, "![a](b.png)", popo.sent[0].Message.Content[0].Text)
	assert.Equal(t, "[img]b.png[/img]", popo.sent[1].Message.Content[0].Text)
}
