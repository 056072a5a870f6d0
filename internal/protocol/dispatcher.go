package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/common"
	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/database"
	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/reactive"
	"github.com/zoravur/liveview/pkg/schema"
)

// Writer sends one JSON message. Implementations must be safe for concurrent
// use, since view set workers write alongside the read loop.
type Writer interface {
	WriteJSON(v any) error
}

type Deps struct {
	DB       *database.Database
	ViewSets *reactive.Registry
	Observer database.Observer
	// OnDispose, if set, is called with the id of every view set the
	// session disposes.
	OnDispose func(viewSet string)
}

// Session serves the messages of one connection.
type Session struct {
	deps Deps
	out  Writer
	subs *Registry
	log  *zap.Logger
}

func NewSession(deps Deps, out Writer, log *zap.Logger) *Session {
	if log == nil {
		log = zap.L()
	}
	if deps.Observer == nil {
		deps.Observer = deps.DB.Observer()
	}
	return &Session{deps: deps, out: out, subs: NewRegistry(), log: log}
}

// Subscriptions returns the number of live subscriptions.
func (s *Session) Subscriptions() int { return s.subs.Len() }

// HandleMessage handles one message received from the client.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		s.sendError("", errors.WrapCode(err, errors.ErrParse))
		return
	}

	switch msg.Type {
	case TypePing:
		s.send(Message{Type: TypePong, ID: msg.ID})

	case TypeSubscribe:
		var sub Subscribe
		if err := json.Unmarshal(raw, &sub); err != nil {
			s.sendError(msg.ID, errors.WrapCode(err, errors.ErrParse))
			return
		}
		if err := s.subscribe(ctx, &sub); err != nil {
			s.sendError(sub.ID, err)
		}

	case TypeUnsubscribe:
		sub, ok := s.subs.Remove(msg.ID)
		if !ok {
			s.sendError(msg.ID, errors.Newf(errors.ErrBind, "unknown subscription %q", msg.ID))
			return
		}
		s.dispose(sub.ViewSet)
		s.send(Message{Type: TypeUnsubscribed, ID: msg.ID})

	default:
		s.sendError(msg.ID, errors.Newf(errors.ErrParse, "unknown message type %q", msg.Type))
	}
}

// Close disposes every subscription of the session.
func (s *Session) Close() {
	for _, sub := range s.subs.Drain() {
		s.dispose(sub.ViewSet)
	}
}

func (s *Session) subscribe(ctx context.Context, req *Subscribe) error {
	if req.ID == "" {
		return errors.New(errors.ErrBind, "subscribe needs an id")
	}
	if len(req.Views) == 0 {
		return errors.New(errors.ErrBind, "subscribe needs at least one view")
	}

	// filled before Start, read only by the view set worker afterwards
	editable := make(map[string]*schema.Table)
	vs := reactive.NewViewSet(s.deps.DB, s.listener(req.ID, editable),
		reactive.WithLogger(s.log.With(zap.String("subscription", req.ID))),
		reactive.WithObserver(s.deps.Observer),
	)

	byName := make(map[string]*reactive.View)
	for i, spec := range req.Views {
		params, err := s.params(spec.Params, byName)
		if err != nil {
			vs.Dispose()
			return errors.Wrapf(err, "view %d", i)
		}
		var opts []reactive.ViewOption
		if spec.Name != "" {
			opts = append(opts, reactive.WithName(spec.Name))
		}
		if len(spec.KeyFields) > 0 {
			opts = append(opts, reactive.WithKeyFields(spec.KeyFields...))
		}
		v, err := vs.CreateView(spec.SQL, params, opts...)
		if err != nil {
			vs.Dispose()
			return errors.Wrapf(err, "view %d", i)
		}
		byName[strings.ToLower(v.Name())] = v
		if refs := v.Statement().TableRefs; len(refs) == 1 {
			editable[v.Name()] = refs[0].Table
		}
	}

	if !s.subs.Add(&Subscription{ID: req.ID, ViewSet: vs}) {
		vs.Dispose()
		return errors.Newf(errors.ErrBind, "subscription %q already exists", req.ID)
	}

	views := vs.Views()
	infos := make([]ViewInfo, len(views))
	for i, v := range views {
		infos[i] = ViewInfo{ID: v.ID(), Name: v.Name(), KeyFields: v.KeyFieldNames()}
	}
	s.send(Subscribed{Message: Message{Type: TypeSubscribed, ID: req.ID}, ViewSet: vs.ID(), Views: infos})

	s.deps.ViewSets.Register(vs)
	if err := vs.Start(ctx); err != nil {
		s.subs.Remove(req.ID)
		s.dispose(vs)
		return err
	}
	s.log.Info("subscribed",
		logutil.Values(
			zap.String("subscription", req.ID),
			zap.String("viewset", vs.ID()),
			zap.Int("views", len(views)),
		))
	return nil
}

func (s *Session) params(raw map[string]json.RawMessage, views map[string]*reactive.View) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for name, value := range raw {
		if trimmed := bytes.TrimSpace(value); len(trimmed) > 0 && trimmed[0] == '{' {
			var ref dynamicRef
			if err := json.Unmarshal(trimmed, &ref); err != nil {
				return nil, errors.WrapCode(err, errors.ErrBind)
			}
			if ref.View == "" || ref.Field == "" {
				return nil, errors.Newf(errors.ErrBind, "param %s: object values need $view and $field", name)
			}
			src, ok := views[strings.ToLower(ref.View)]
			if !ok {
				return nil, errors.Newf(errors.ErrBind, "param %s: unknown view %s", name, ref.View)
			}
			if ref.Single {
				out[name] = src.CreateDynamicParam(ref.Field)
			} else {
				out[name] = src.CreateMultiValueDynamicParam(ref.Field)
			}
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, errors.WrapCode(err, errors.ErrBind)
		}
		out[name] = common.JSONValue(v)
	}
	return out, nil
}

func (s *Session) listener(id string, editable map[string]*schema.Table) reactive.Listener {
	return reactive.ListenerFunc(func(_ context.Context, tx *dataevent.Transaction) error {
		msg := Transaction{
			Message: Message{Type: TypeTransaction, ID: id},
			TxID:    tx.ID,
			Events:  make([]Event, len(tx.Events)),
		}
		for i, e := range tx.Events {
			ev := Event{Type: e.Type, View: e.Name, Key: e.KeyValue, Record: e.Record}
			if t, ok := editable[e.Name]; ok && e.Record != nil {
				ev.EditHandle, _ = common.RowHandle(t, e.Record)
			}
			msg.Events[i] = ev
		}
		return s.out.WriteJSON(msg)
	})
}

func (s *Session) dispose(vs *reactive.ViewSet) {
	vs.Dispose()
	s.deps.ViewSets.Unregister(vs.ID())
	if s.deps.OnDispose != nil {
		s.deps.OnDispose(vs.ID())
	}
}

func (s *Session) send(v any) {
	if err := s.out.WriteJSON(v); err != nil {
		s.log.Debug("write failed", zap.Error(err))
	}
}

func (s *Session) sendError(id string, err error) {
	s.log.Debug("request failed", logutil.Values(zap.String("id", id), zap.Error(err)))
	s.send(Error{
		Message: Message{Type: TypeError, ID: id},
		Code:    string(errors.CodeOf(err)),
		Error:   err.Error(),
	})
}
