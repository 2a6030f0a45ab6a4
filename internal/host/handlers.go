// ABOUTME: Request handlers answered inside the execution context
// ABOUTME: Covers ping/echo, panel and auth state, KV store, push bridges, modules and diagnostics

package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/kbve/droid-gateway/internal/auth"
	"github.com/kbve/droid-gateway/internal/bridge"
	"github.com/kbve/droid-gateway/internal/protocol"
	"github.com/kbve/droid-gateway/internal/store"
)

// Request types answered by the host.
const (
	TypePing       = "ping"
	TypeEcho       = "echo"
	TypePanel      = "panel"
	TypeAuthSet    = "auth.set"
	TypeAuthGet    = "auth.get"
	TypeAuthClear  = "auth.clear"
	TypeDBGet      = "db.get"
	TypeDBSet      = "db.set"
	TypeDBDelete   = "db.delete"
	TypeDBList     = "db.list"
	TypeWSSend     = "ws.send"
	TypeWSStatus   = "ws.status"
	TypeModuleLoad = "module.load"
	TypeModuleList = "module.list"
	TypeModuleCall = "module.call"
	TypeTopics     = "topics"
)

const (
	panelStateKey  = "current"
	maxSuggestDist = 3
)

type handlerFunc func(ctx context.Context, env *protocol.Envelope) (any, error)

type handler struct {
	fn    handlerFunc
	async bool // runs off the actor loop
	db    bool // runs on the store workers
}

func (h *Host) routes() map[string]handler {
	return map[string]handler{
		TypePing:       {fn: h.handlePing},
		TypeEcho:       {fn: h.handleEcho},
		TypePanel:      {fn: h.handlePanel},
		TypeAuthSet:    {fn: h.handleAuthSet},
		TypeAuthGet:    {fn: h.handleAuthGet},
		TypeAuthClear:  {fn: h.handleAuthClear},
		TypeDBGet:      {fn: h.handleDBGet, db: true},
		TypeDBSet:      {fn: h.handleDBSet, db: true},
		TypeDBDelete:   {fn: h.handleDBDelete, db: true},
		TypeDBList:     {fn: h.handleDBList, db: true},
		TypeWSSend:     {fn: h.handleWSSend, async: true},
		TypeWSStatus:   {fn: h.handleWSStatus},
		TypeModuleLoad: {fn: h.handleModuleLoad, async: true},
		TypeModuleList: {fn: h.handleModuleList},
		TypeModuleCall: {fn: h.handleModuleCall, async: true},
		TypeTopics:     {fn: h.handleTopics},
	}
}

// RequestTypes returns every request type the host answers, sorted.
func (h *Host) RequestTypes() []string {
	types := make([]string, 0, len(h.handlers))
	for t := range h.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (h *Host) dispatch(ep *Endpoint, env *protocol.Envelope) {
	hd, ok := h.handlers[env.Type]
	if !ok {
		h.logger.Debug("unknown request type", "type", env.Type, "endpoint", ep.id)
		h.reply(ep, env.ID, nil, h.unknownType(env.Type))
		return
	}

	if hd.db && h.db != nil {
		h.db.submit(h.ctx, func(ctx context.Context) (any, error) {
			return hd.fn(ctx, env)
		}, func(result any, err error) {
			if err != nil && protocol.KindOf(err) == "" {
				err = protocol.Wrap(protocol.KindHandler, err)
			}
			h.reply(ep, env.ID, result, err)
		})
		return
	}

	if hd.async && !h.inline {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			h.reply(ep, env.ID, nil, protocol.ErrNotConnected)
			return
		}
		h.wg.Add(1)
		h.mu.Unlock()

		go func() {
			defer h.wg.Done()
			result, err := h.invoke(hd, env)
			h.reply(ep, env.ID, result, err)
		}()
		return
	}

	result, err := h.invoke(hd, env)
	h.reply(ep, env.ID, result, err)
}

func (h *Host) invoke(hd handler, env *protocol.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler panicked", "type", env.Type, "panic", r)
			result, err = nil, protocol.Errorf(protocol.KindHandler, "%s panicked: %v", env.Type, r)
		}
	}()
	result, err = hd.fn(h.ctx, env)
	if err != nil && protocol.KindOf(err) == "" {
		err = protocol.Wrap(protocol.KindHandler, err)
	}
	return result, err
}

// unknownType builds the unknown_type error, suggesting the closest known
// type by edit distance.
func (h *Host) unknownType(typ string) error {
	best, bestDist := "", maxSuggestDist+1
	for _, known := range h.RequestTypes() {
		if d := levenshtein.ComputeDistance(typ, known); d < bestDist {
			best, bestDist = known, d
		}
	}
	if best == "" {
		return protocol.Errorf(protocol.KindUnknownType, "unknown message type %q", typ)
	}
	return protocol.Errorf(protocol.KindUnknownType, "unknown message type %q, did you mean %q?", typ, best)
}

func decode(env *protocol.Envelope, out any) error {
	return protocol.DecodePayload(env, out)
}

func (h *Host) handlePing(ctx context.Context, env *protocol.Envelope) (any, error) {
	return map[string]any{"pong": true, "ts": time.Now().UnixMilli()}, nil
}

func (h *Host) handleEcho(ctx context.Context, env *protocol.Envelope) (any, error) {
	if len(env.Payload) == 0 {
		return nil, nil
	}
	return env.Payload, nil
}

// PanelState is the value broadcast on the panel topic.
type PanelState struct {
	Open    bool            `json:"open"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type panelRequest struct {
	Action  string          `json:"action"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (h *Host) handlePanel(ctx context.Context, env *protocol.Envelope) (any, error) {
	var req panelRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}

	h.stateMu.Lock()
	cur := h.panel
	next := PanelState{ID: req.ID, Payload: req.Payload}
	switch req.Action {
	case "open":
		next.Open = true
	case "close":
		next.Open = false
		if next.ID == "" {
			next.ID = cur.ID
		}
	case "toggle":
		if req.ID == cur.ID {
			next.Open = !cur.Open
		} else {
			next.Open = true
		}
	default:
		h.stateMu.Unlock()
		return nil, protocol.Errorf(protocol.KindHandler, "unknown panel action %q", req.Action)
	}
	h.panel = next
	h.stateMu.Unlock()

	h.persistPanel(ctx, next)
	h.hub.Broadcast(protocol.TopicPanel, next)
	return next, nil
}

func (h *Host) panelState() PanelState {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.panel
}

func (h *Host) persistPanel(ctx context.Context, p PanelState) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := h.store.Set(ctx, store.BucketPanel, panelStateKey, raw); err != nil {
		h.logger.Warn("persisting panel state failed", "error", err)
	}
}

func (h *Host) restorePanel(ctx context.Context) {
	raw, err := h.store.Get(ctx, store.BucketPanel, panelStateKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("restoring panel state failed", "error", err)
		}
		return
	}
	var p PanelState
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Warn("decoding stored panel state failed", "error", err)
		return
	}
	h.panel = p
}

type authSetRequest struct {
	Token string `json:"token,omitempty"`
	auth.State
}

func (h *Host) handleAuthSet(ctx context.Context, env *protocol.Envelope) (any, error) {
	var req authSetRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}

	var next auth.State
	switch {
	case req.Token != "":
		if h.verifier == nil {
			return nil, protocol.Errorf(protocol.KindHandler, "session tokens are not enabled")
		}
		next = auth.StateFromToken(h.verifier, req.Token)
	default:
		next = req.State
		switch next.Tone {
		case auth.ToneAnon, auth.ToneLoading, auth.ToneAuth, auth.ToneError:
		case "":
			next.Tone = auth.ToneAnon
		default:
			return nil, protocol.Errorf(protocol.KindHandler, "unknown auth tone %q", next.Tone)
		}
	}

	h.setAuth(next)
	return next, nil
}

func (h *Host) handleAuthGet(ctx context.Context, env *protocol.Envelope) (any, error) {
	return h.authState(), nil
}

func (h *Host) handleAuthClear(ctx context.Context, env *protocol.Envelope) (any, error) {
	next := auth.Anonymous()
	h.setAuth(next)
	return next, nil
}

func (h *Host) setAuth(s auth.State) {
	h.stateMu.Lock()
	h.auth = s
	h.stateMu.Unlock()
	h.hub.Broadcast(protocol.TopicAuth, s)
}

func (h *Host) authState() auth.State {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.auth
}

type dbRequest struct {
	Bucket string          `json:"bucket"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
}

func (h *Host) decodeDB(env *protocol.Envelope, needKey bool) (dbRequest, store.Bucket, error) {
	var req dbRequest
	if err := decode(env, &req); err != nil {
		return req, "", err
	}
	b, err := store.ParseBucket(req.Bucket)
	if err != nil {
		return req, "", err
	}
	if needKey && req.Key == "" {
		return req, "", fmt.Errorf("%s requires a key", env.Type)
	}
	return req, b, nil
}

func (h *Host) handleDBGet(ctx context.Context, env *protocol.Envelope) (any, error) {
	req, b, err := h.decodeDB(env, true)
	if err != nil {
		return nil, err
	}
	return h.store.Get(ctx, b, req.Key)
}

func (h *Host) handleDBSet(ctx context.Context, env *protocol.Envelope) (any, error) {
	req, b, err := h.decodeDB(env, true)
	if err != nil {
		return nil, err
	}
	if err := h.store.Set(ctx, b, req.Key, req.Value); err != nil {
		return nil, err
	}
	return map[string]any{"bucket": b, "key": req.Key, "ok": true}, nil
}

func (h *Host) handleDBDelete(ctx context.Context, env *protocol.Envelope) (any, error) {
	req, b, err := h.decodeDB(env, true)
	if err != nil {
		return nil, err
	}
	if err := h.store.Delete(ctx, b, req.Key); err != nil {
		return nil, err
	}
	return map[string]any{"bucket": b, "key": req.Key, "ok": true}, nil
}

func (h *Host) handleDBList(ctx context.Context, env *protocol.Envelope) (any, error) {
	_, b, err := h.decodeDB(env, false)
	if err != nil {
		return nil, err
	}
	return h.store.List(ctx, b)
}

type wsRequest struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (h *Host) handleWSSend(ctx context.Context, env *protocol.Envelope) (any, error) {
	var req wsRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	br, ok := h.hub.BridgeFor(req.Topic)
	if !ok {
		return nil, protocol.Errorf(protocol.KindNotConnected, "no active bridge for %q", req.Topic)
	}
	sender, ok := br.(bridge.Sender)
	if !ok {
		return nil, protocol.Errorf(protocol.KindNotConnected, "bridge for %q cannot send", req.Topic)
	}
	var data any = req.Data
	if len(req.Data) == 0 {
		data = nil
	}
	if err := sender.Send(data); err != nil {
		return nil, err
	}
	return map[string]any{"topic": req.Topic, "sent": true}, nil
}

func (h *Host) handleWSStatus(ctx context.Context, env *protocol.Envelope) (any, error) {
	var req wsRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	state := bridge.StateInactive
	if br, ok := h.hub.BridgeFor(req.Topic); ok {
		state = br.State()
	}
	return map[string]any{"topic": req.Topic, "state": state}, nil
}

type moduleRequest struct {
	URL    string          `json:"url"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

func (h *Host) handleModuleLoad(ctx context.Context, env *protocol.Envelope) (any, error) {
	var req moduleRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	if req.URL == "" {
		return nil, protocol.Errorf(protocol.KindModuleLoad, "module.load requires a url")
	}
	return h.registry.Load(ctx, req.URL)
}

func (h *Host) handleModuleList(ctx context.Context, env *protocol.Envelope) (any, error) {
	return h.registry.List(), nil
}

func (h *Host) handleModuleCall(ctx context.Context, env *protocol.Envelope) (any, error) {
	var req moduleRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	if req.URL == "" || req.Method == "" {
		return nil, fmt.Errorf("module.call requires url and method")
	}
	return h.registry.Invoke(ctx, req.URL, req.Method, req.Args)
}

func (h *Host) handleTopics(ctx context.Context, env *protocol.Envelope) (any, error) {
	return h.hub.Topics(), nil
}
