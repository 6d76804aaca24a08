package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fernhq/fern/pkg/fern/agent"
	"github.com/fernhq/fern/pkg/fern/channels"
	"github.com/fernhq/fern/pkg/fern/channels/twilio"
	"github.com/fernhq/fern/pkg/fern/ids"
	"github.com/fernhq/fern/pkg/fern/memory"
	"github.com/fernhq/fern/pkg/fern/scheduler"
	"github.com/fernhq/fern/pkg/fern/store"
	"github.com/fernhq/fern/pkg/fern/subagent"
)

// chatThreadID is the conversation thread for the HTTP chat endpoint.
// Every /api/chat caller shares it, the way a DM channel shares one
// thread per sender.
const chatThreadID = "api"

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}

	chans := make(map[string]string)
	if g.deps.Registry != nil {
		for name, st := range g.deps.Registry.Health() {
			if st.Connected {
				chans[name] = "connected"
			} else {
				chans[name] = "disconnected"
			}
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   uptime,
		"channels": chans,
	})
}

// handleChat implements POST /api/chat. The turn runs synchronously and
// the response travels back in the HTTP body rather than a channel.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Message string `json:"message"`
		Context string `json:"context,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		g.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "message is required"})
		return
	}

	message := req.Message
	if req.Context != "" {
		message = req.Context + "\n\n" + req.Message
	}

	result := g.deps.Agent.RunTurn(r.Context(), agent.TurnInput{
		ThreadID: chatThreadID,
		Message:  message,
		Channel:  "api",
	})

	sessionID := ""
	if sess, ok := g.deps.Agent.Sessions().Get(chatThreadID); ok {
		sessionID = sess.BackendSessionID
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": sessionID,
		"response":  result.Response,
	})
}

// handleMemoryWrite implements POST /internal/memory/write.
func (g *Gateway) handleMemoryWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.deps.Memory == nil {
		g.writeError(w, http.StatusBadRequest, "memory system is disabled")
		return
	}

	var req struct {
		Type    string   `json:"type"`
		Content string   `json:"content"`
		Tags    []string `json:"tags,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.writeFerr(w, r, err)
		return
	}

	mem, err := g.deps.Memory.WriteMemory(r.Context(), req.Type, req.Content, req.Tags)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, mem)
}

// handleMemorySearch implements POST /internal/memory/search.
func (g *Gateway) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.deps.Memory == nil {
		g.writeError(w, http.StatusBadRequest, "memory system is disabled")
		return
	}

	var req struct {
		Query    string `json:"query"`
		Limit    int    `json:"limit,omitempty"`
		ThreadID string `json:"threadId,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.writeFerr(w, r, err)
		return
	}

	results, err := g.deps.Memory.Search(r.Context(), req.Query, req.ThreadID, req.Limit)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleMemoryRead implements POST /internal/memory/read.
func (g *Gateway) handleMemoryRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.deps.Memory == nil {
		g.writeError(w, http.StatusBadRequest, "memory system is disabled")
		return
	}

	var req struct {
		ThreadID string `json:"threadId"`
		ChunkID  string `json:"chunkId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.writeFerr(w, r, err)
		return
	}

	chunk, err := g.deps.Memory.GetChunk(r.Context(), req.ThreadID, req.ChunkID)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, chunk)
}

// handleMemoryDelete implements DELETE /internal/memory/delete/{id}.
func (g *Gateway) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.deps.Memory == nil {
		g.writeError(w, http.StatusBadRequest, "memory system is disabled")
		return
	}

	id := pathID(r, "/internal/memory/delete/")
	if id == "" {
		g.writeError(w, http.StatusBadRequest, "memory id required")
		return
	}

	deleted, err := g.deps.Memory.DeleteMemory(r.Context(), id)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// handleJobCreate implements POST /internal/scheduler/create.
func (g *Gateway) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req scheduler.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeFerr(w, r, err)
		return
	}

	job, err := g.deps.Jobs.Create(r.Context(), req)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, job)
}

// handleJobList implements POST /internal/scheduler/list.
func (g *Gateway) handleJobList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Status string `json:"status,omitempty"`
		Limit  int    `json:"limit,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.writeFerr(w, r, err)
		return
	}

	jobs, err := g.deps.Jobs.List(r.Context(), store.JobStatus(req.Status), req.Limit)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleJobGet implements GET /internal/scheduler/get/{id}.
func (g *Gateway) handleJobGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := pathID(r, "/internal/scheduler/get/")
	if id == "" {
		g.writeError(w, http.StatusBadRequest, "job id required")
		return
	}

	job, err := g.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, job)
}

// handleJobCancel implements POST /internal/scheduler/cancel/{id}.
func (g *Gateway) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := pathID(r, "/internal/scheduler/cancel/")
	if id == "" {
		g.writeError(w, http.StatusBadRequest, "job id required")
		return
	}

	if err := g.deps.Jobs.Cancel(r.Context(), id); err != nil {
		g.writeFerr(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// handleSubagentSpawn implements POST /internal/subagent/spawn.
func (g *Gateway) handleSubagentSpawn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req subagent.SpawnRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeFerr(w, r, err)
		return
	}

	task, err := g.deps.Subagents.Spawn(r.Context(), req)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, task)
}

// handleSubagentGet implements GET /internal/subagent/get/{id}. With
// wait=true the request blocks until the task reaches a terminal state
// or the timeout passes, then returns whatever the row says.
func (g *Gateway) handleSubagentGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := pathID(r, "/internal/subagent/get/")
	if id == "" {
		g.writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "wait must be a boolean")
			return
		}
		wait = parsed
	}

	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			g.writeError(w, http.StatusBadRequest, "timeout must be a non-negative integer of milliseconds")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	task, err := g.deps.Subagents.Get(r.Context(), id, wait, timeout)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, task)
}

// handleSubagentCancel implements POST /internal/subagent/cancel/{id}.
func (g *Gateway) handleSubagentCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := pathID(r, "/internal/subagent/cancel/")
	if id == "" {
		g.writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	cancelled, err := g.deps.Subagents.Cancel(r.Context(), id)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleChannelSend implements POST /internal/channel/send.
func (g *Gateway) handleChannelSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Channel string `json:"channel"`
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.writeFerr(w, r, err)
		return
	}
	if req.Channel == "" || req.To == "" || req.Content == "" {
		g.writeError(w, http.StatusBadRequest, "channel, to, and content are required")
		return
	}

	if err := g.deps.Sender.Send(r.Context(), req.Channel, req.To, req.Content); err != nil {
		if errors.Is(err, channels.ErrUnknownChannel) {
			g.writeError(w, http.StatusNotFound, "unknown channel "+req.Channel)
			return
		}
		g.logger.Error("channel send failed", "channel", req.Channel, "error", err)
		g.writeError(w, http.StatusInternalServerError, "delivery failed")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

// handleTaskCreate implements POST /internal/tasks/create.
func (g *Gateway) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ThreadID    string `json:"threadId"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		SortOrder   *int   `json:"sortOrder,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.writeFerr(w, r, err)
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.Title) == "" {
		g.writeError(w, http.StatusBadRequest, "threadId and title are required")
		return
	}

	sortOrder := 0
	if req.SortOrder != nil {
		sortOrder = *req.SortOrder
	} else {
		next, err := g.deps.Tasks.NextSortOrder(r.Context(), req.ThreadID)
		if err != nil {
			g.writeFerr(w, r, err)
			return
		}
		sortOrder = next
	}

	now := time.Now()
	task := &store.TodoTask{
		ID:          ids.NewTask(),
		ThreadID:    req.ThreadID,
		Title:       req.Title,
		Description: req.Description,
		Status:      store.TodoPending,
		SortOrder:   sortOrder,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.deps.Tasks.CreateTodo(r.Context(), task); err != nil {
		g.writeFerr(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, task)
}

// handleTaskList implements POST /internal/tasks/list.
func (g *Gateway) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ThreadID string `json:"threadId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.writeFerr(w, r, err)
		return
	}
	if req.ThreadID == "" {
		g.writeError(w, http.StatusBadRequest, "threadId is required")
		return
	}

	tasks, err := g.deps.Tasks.ListTodos(r.Context(), req.ThreadID)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*store.TodoTask{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTaskUpdate implements POST /internal/tasks/update/{id}. The
// response carries the updated row plus the thread's full checklist so
// the agent sees the new working order without a second call.
func (g *Gateway) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := pathID(r, "/internal/tasks/update/")
	if id == "" {
		g.writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	var upd store.TodoUpdate
	if err := decodeJSON(r, &upd); err != nil {
		g.writeFerr(w, r, err)
		return
	}

	task, err := g.deps.Tasks.UpdateTodo(r.Context(), id, upd)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}

	tasks, err := g.deps.Tasks.ListTodos(r.Context(), task.ThreadID)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*store.TodoTask{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"task": task, "tasks": tasks})
}

// handleTaskNext implements GET /internal/tasks/next?threadId=.
func (g *Gateway) handleTaskNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	threadID := r.URL.Query().Get("threadId")
	if threadID == "" {
		g.writeError(w, http.StatusBadRequest, "threadId is required")
		return
	}

	task, err := g.deps.Tasks.NextTodo(r.Context(), threadID)
	if err != nil {
		g.writeFerr(w, r, err)
		return
	}
	// task is nil when the checklist has no actionable items; the JSON
	// null is the contract.
	g.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// handleTwilioWebhook implements POST /webhook/twilio. The handler only
// verifies, parses, and hands the message to the adapter's receive
// queue; the turn itself runs in the normal channel pump, keeping the
// ack well inside Twilio's timeout.
func (g *Gateway) handleTwilioWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid form payload")
		return
	}

	if g.cfg.WebhookPublicURL != "" && g.cfg.TwilioAuthToken != "" {
		signedURL := strings.TrimSuffix(g.cfg.WebhookPublicURL, "/") + r.URL.RequestURI()
		sig := r.Header.Get("X-Twilio-Signature")
		if !twilio.ValidateSignature(g.cfg.TwilioAuthToken, signedURL, r.PostForm, sig) {
			g.logger.Warn("rejected webhook with bad signature", "path", r.URL.Path)
			g.writeError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	msg, err := twilio.ParseInbound(r.PostForm)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	delivered := false
	if g.deps.Registry != nil {
		if ch, ok := g.deps.Registry.Get(msg.Channel); ok {
			if in, ok := ch.(Inbound); ok {
				in.Deliver(msg)
				delivered = true
			}
		}
	}
	if !delivered {
		// Ack anyway. A 4xx would make Twilio retry a message we will
		// never be able to handle.
		g.logger.Warn("no adapter for webhook message", "channel", msg.Channel, "msg_id", msg.ID)
	}

	w.WriteHeader(http.StatusAccepted)
}
