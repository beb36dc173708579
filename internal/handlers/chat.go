package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stancestream-gateway/internal/cache"
	"stancestream-gateway/internal/llm"
	"stancestream-gateway/internal/vectorindex"
	"stancestream-gateway/pkg/logging"

	"go.uber.org/zap"
)

// ChatHandler holds dependencies for the /v1/chat/completions endpoint.
type ChatHandler struct {
	Cache     cache.SemanticCache
	LLM       llm.Client
	VersionID string
}

func NewChatHandler(c cache.SemanticCache, client llm.Client, versionID string) *ChatHandler {
	return &ChatHandler{
		Cache:     c,
		LLM:       client,
		VersionID: versionID,
	}
}

// chatCompletionRequest is an OpenAI chat request plus the cache topic.
type chatCompletionRequest struct {
	llm.ChatRequest
	Topic string `json:"topic,omitempty"`
}

// ChatCompletion handles POST /v1/chat/completions. The last user message
// is looked up in the semantic cache under the request topic (X-Topic
// header, then the "topic" body field); a miss goes upstream and the
// answer is stored. Cache failures never fail the request.
func (h *ChatHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages_required")
		return
	}

	topic := cache.NormalizeTopic(req.Topic)
	if hdr := strings.TrimSpace(r.Header.Get("X-Topic")); hdr != "" {
		topic = hdr
	}
	if err := vectorindex.ValidateTopic(topic); err != nil {
		logger.Warn("invalid topic", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_topic")
		return
	}

	prompt := cache.PromptFromChatRequest(req.ChatRequest)
	if prompt == "" {
		// nothing to key the cache on
		resp, err := h.LLM.ChatCompletion(ctx, &req.ChatRequest)
		if err != nil {
			h.writeUpstreamError(w, logger, err)
			return
		}
		w.Header().Set("X-Cache", "BYPASS")
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// Set only when this request ran the generation itself.
	var upstream *llm.ChatResponse
	gen := func(ctx context.Context) (string, error) {
		resp, err := h.LLM.ChatCompletion(ctx, &req.ChatRequest)
		if err != nil {
			return "", err
		}
		upstream = resp
		return resp.Text(), nil
	}

	ans, err := h.Cache.GetOrGenerate(ctx, prompt, topic, gen)
	if err != nil {
		h.writeUpstreamError(w, logger, err)
		return
	}

	resp := upstream
	if resp == nil {
		resp = h.cachedResponse(req.Model, ans)
	}

	w.Header().Set("X-Cache", cacheHeader(ans))
	w.Header().Set("X-Cache-Topic", topic)
	w.Header().Set("X-Cache-Similarity", strconv.FormatFloat(ans.Similarity, 'f', 4, 64))
	if h.VersionID != "" {
		w.Header().Set("X-Gateway-Version", h.VersionID)
	}

	logger.Debug("chat_completion_served",
		zap.String("topic", topic),
		zap.Bool("cache_hit", ans.Hit),
		zap.Bool("shared", ans.Shared),
		zap.Duration("total_latency", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, resp)
}

// cachedResponse builds an OpenAI-shaped response for an answer that did
// not come from this request's own upstream call.
func (h *ChatHandler) cachedResponse(model string, ans cache.Answer) *llm.ChatResponse {
	id := "cache"
	if ans.EntryID != "" {
		id = "cache-" + ans.EntryID
	}
	return &llm.ChatResponse{
		ID:      id,
		Created: time.Now().UTC(),
		Model:   model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			Message:      llm.ChatMessage{Role: llm.RoleAssistant, Content: ans.Response},
			FinishReason: "stop",
		}},
		Usage: &llm.Usage{},
	}
}

func (h *ChatHandler) writeUpstreamError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("upstream timeout", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout")
	case errors.Is(err, llm.ErrUpstream):
		logger.Error("upstream failure", zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream_error")
	default:
		logger.Warn("request rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_request")
	}
}

func cacheHeader(ans cache.Answer) string {
	switch {
	case ans.Hit:
		return "HIT"
	case ans.Shared:
		return "SHARED"
	default:
		return "MISS"
	}
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
