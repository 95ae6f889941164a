package main

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	appcfg "github.com/hasnat0006/TLE/internal/config"
	"github.com/hasnat0006/TLE/internal/cfapi"
	"github.com/hasnat0006/TLE/internal/duel"
	"github.com/hasnat0006/TLE/internal/handles"
	"github.com/hasnat0006/TLE/internal/obslog"
	"github.com/hasnat0006/TLE/internal/selector"
)

// api is the structured command surface. It resolves chat user ids to
// platform handles, forwards intents to the engine, and returns the
// engine's dueldto values as JSON. No text rendering happens here.
type api struct {
	cfg     *appcfg.AppConfig
	engine  *duel.Engine
	handles *handles.Registry
}

type commandRequest struct {
	UserID    string   `json:"user_id"`
	Roles     []string `json:"roles,omitempty"`
	DuelID    string   `json:"duel_id,omitempty"`
	Opponent  string   `json:"opponent_user_id,omitempty"`
	Handle    string   `json:"handle,omitempty"`
	MinRating int      `json:"min_rating,omitempty"`
	MaxRating int      `json:"max_rating,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

func (a *api) route(ctx *fasthttp.RequestCtx) {
	var req commandRequest
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	var (
		result any
		err    error
	)
	switch string(ctx.Path()) {
	case "/duel/challenge":
		result, err = a.challenge(ctx, req)
	case "/duel/accept":
		result, err = a.withHandle(ctx, req, func(duelID, handle string) (any, error) {
			return a.engine.Accept(ctx, duelID, handle)
		})
	case "/duel/decline":
		result, err = a.withHandle(ctx, req, func(duelID, handle string) (any, error) {
			return a.engine.Decline(ctx, duelID, handle)
		})
	case "/duel/claim":
		result, err = a.withHandle(ctx, req, func(duelID, handle string) (any, error) {
			return a.engine.Claim(ctx, duelID, handle)
		})
	case "/duel/forfeit":
		result, err = a.forfeit(ctx, req)
	case "/duel/status":
		result, err = a.engine.Status(ctx, req.DuelID)
	case "/handles/register":
		result, err = a.handles.Register(ctx, req.UserID, req.Handle, a.cfg.IsAdmin(req.Roles))
	case "/handles/unregister":
		err = a.handles.Unregister(ctx, req.UserID)
		result = map[string]bool{"ok": err == nil}
	case "/handles/list":
		result, err = a.handles.List(ctx)
	default:
		writeError(ctx, fasthttp.StatusNotFound, "unknown command")
		return
	}

	if err != nil {
		writeCommandError(ctx, err)
		return
	}
	ctx.SetContentType("application/json")
	if encodeErr := json.NewEncoder(ctx).Encode(result); encodeErr != nil {
		obslog.L().Error("response encode failed", zap.Error(encodeErr))
	}
}

func (a *api) challenge(ctx *fasthttp.RequestCtx, req commandRequest) (any, error) {
	challenger, err := a.handles.Resolve(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	opponent, err := a.handles.Resolve(ctx, req.Opponent)
	if err != nil {
		return nil, err
	}
	return a.engine.Challenge(ctx, challenger.Handle, opponent.Handle, duel.Constraints{
		MinRating: req.MinRating,
		MaxRating: req.MaxRating,
		Tags:      req.Tags,
	})
}

func (a *api) forfeit(ctx *fasthttp.RequestCtx, req commandRequest) (any, error) {
	// Admins may forfeit on a participant's behalf by naming the handle.
	if req.Handle != "" && a.cfg.IsAdmin(req.Roles) {
		return a.engine.Forfeit(ctx, req.DuelID, req.Handle)
	}
	reg, err := a.handles.Resolve(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return a.engine.Forfeit(ctx, req.DuelID, reg.Handle)
}

func (a *api) withHandle(ctx *fasthttp.RequestCtx, req commandRequest, op func(duelID, handle string) (any, error)) (any, error) {
	reg, err := a.handles.Resolve(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return op(req.DuelID, reg.Handle)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	payload, _ := json.Marshal(map[string]string{"error": msg})
	ctx.SetBody(payload)
}

// writeCommandError maps the core's typed errors onto HTTP statuses so
// a frontend can distinguish conflicts from transient platform trouble.
func writeCommandError(ctx *fasthttp.RequestCtx, err error) {
	var conflict *duel.ConflictError
	var rl *cfapi.RateLimitedError
	switch {
	case errors.As(err, &conflict), errors.Is(err, duel.ErrWrongState):
		writeError(ctx, fasthttp.StatusConflict, err.Error())
	case errors.Is(err, duel.ErrNotParticipant), errors.Is(err, handles.ErrSelfRegisterDisabled):
		writeError(ctx, fasthttp.StatusForbidden, err.Error())
	case errors.Is(err, duel.ErrNotFound), errors.Is(err, handles.ErrNotRegistered), errors.Is(err, cfapi.ErrNotFound):
		writeError(ctx, fasthttp.StatusNotFound, err.Error())
	case errors.Is(err, handles.ErrHandleTaken):
		writeError(ctx, fasthttp.StatusConflict, err.Error())
	case errors.Is(err, selector.ErrNoCandidates):
		writeError(ctx, fasthttp.StatusConflict, err.Error())
	case errors.As(err, &rl), errors.Is(err, cfapi.ErrUnreachable), errors.Is(err, duel.ErrVerificationUnavailable):
		writeError(ctx, fasthttp.StatusBadGateway, err.Error())
	default:
		obslog.L().Error("command failed", zap.Error(err))
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
	}
}
