package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/samhotchkiss/popo-bridge/internal/config"
	"github.com/samhotchkiss/popo-bridge/internal/event"
	"github.com/samhotchkiss/popo-bridge/internal/logging"
	"github.com/samhotchkiss/popo-bridge/internal/metrics"
)

const (
	// DeploymentParam is the chi URL parameter naming the bot deployment.
	DeploymentParam = "deployment"

	maxCallbackBodyBytes = 1 << 20

	probeStatus          = "端点连通性测试成功"
	failureMessage       = "处理请求失败"
	methodNotAllowedText = "不支持的请求方法"
)

// ErrMissingEnvelope is returned when a POST body has no encrypt field.
var ErrMissingEnvelope = errors.New("callback body has no encrypt field")

// Dispatcher takes a parsed event off the synchronous path.
type Dispatcher interface {
	Dispatch(ctx context.Context, bot config.BotSettings, ev *event.RobotEvent) error
}

type callbackEnvelope struct {
	Encrypt string `json:"encrypt"`
}

type handshakeResponse struct {
	Success string `json:"success"`
}

type failureResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// CallbackHandler serves /bots/{deployment}/callback for every configured
// deployment.
type CallbackHandler struct {
	Bots       config.Bots
	Dispatcher Dispatcher
	Logger     logrus.FieldLogger
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deployment := strings.ToLower(strings.TrimSpace(chi.URLParam(r, DeploymentParam)))
	log := h.logger(r.Context()).WithFields(logrus.Fields{
		"deployment": deployment,
		"method":     r.Method,
	})

	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("callback handler panicked")
			metrics.RecordPanic(deployment)
			sendFailure(w, fmt.Errorf("panic: %v", p))
		}
	}()

	bot, ok := h.Bots.Get(deployment)
	if !ok {
		sendJSON(w, http.StatusNotFound, map[string]string{"error": "unknown deployment"})
		return
	}
	metrics.RecordCallback(bot.ID)

	query := r.URL.Query()
	signature := query.Get(SignatureParam)
	if r.Method == http.MethodGet && signature == "" {
		probe := bot.Redacted()
		probe["endpointStatus"] = probeStatus
		sendJSON(w, http.StatusOK, probe)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		sendJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": methodNotAllowedText})
		return
	}

	timestamp := query.Get(TimestampParam)
	nonce := query.Get(NonceParam)
	if err := NewVerifier(bot.Token).Verify(timestamp, nonce, signature); err != nil {
		metrics.RecordAuthFailure(bot.ID)
		log.WithError(err).Warn("callback signature rejected")
		sendJSON(w, http.StatusUnauthorized, failureResponse{
			Status:  "error",
			Message: failureMessage,
			Error:   err.Error(),
		})
		return
	}

	codec, err := NewCipher(bot.AESKey)
	if err != nil {
		h.reject(w, log, bot.ID, err)
		return
	}

	if r.Method == http.MethodGet {
		challenge, err := codec.Encrypt(HandshakeLiteral)
		if err != nil {
			h.reject(w, log, bot.ID, err)
			return
		}
		metrics.RecordHandshake(bot.ID)
		log.Info("callback handshake answered")
		sendJSON(w, http.StatusOK, handshakeResponse{Success: challenge})
		return
	}

	ev, err := h.readEvent(r, codec)
	if err != nil {
		h.reject(w, log, bot.ID, err)
		return
	}

	ctx := logging.WithLogger(r.Context(), log)
	if err := h.Dispatcher.Dispatch(ctx, bot, ev); err != nil {
		h.reject(w, log, bot.ID, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *CallbackHandler) readEvent(r *http.Request, codec *Cipher) (*event.RobotEvent, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read callback body: %w", err)
	}

	var envelope callbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingEnvelope, err)
	}
	if strings.TrimSpace(envelope.Encrypt) == "" {
		return nil, ErrMissingEnvelope
	}

	plaintext, err := codec.Decrypt(envelope.Encrypt)
	if err != nil {
		return nil, err
	}
	return event.Parse([]byte(plaintext))
}

func (h *CallbackHandler) reject(w http.ResponseWriter, log logrus.FieldLogger, deployment string, err error) {
	metrics.RecordRejected(deployment)
	log.WithError(err).Error("callback processing failed")
	sendFailure(w, err)
}

// logger prefers the request-scoped logger installed by middleware.
func (h *CallbackHandler) logger(ctx context.Context) logrus.FieldLogger {
	if log, ok := logging.FromContext(ctx); ok {
		return log
	}
	if h.Logger != nil {
		return h.Logger
	}
	return logrus.StandardLogger()
}

func sendFailure(w http.ResponseWriter, err error) {
	sendJSON(w, http.StatusInternalServerError, failureResponse{
		Status:  "error",
		Message: failureMessage,
		Error:   err.Error(),
	})
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
