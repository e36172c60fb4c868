package rules

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/provider"
)

// ErrActionUnimplemented is returned for actions that are recognised but
// have no handler. The engine treats it as a warning and records the match.
var ErrActionUnimplemented = errors.New("action not implemented")

// Handler executes one rule action against a message.
type Handler interface {
	Execute(ctx context.Context, msg *model.Message, rule *model.Rule) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *model.Message, rule *model.Rule) error

func (f HandlerFunc) Execute(ctx context.Context, msg *model.Message, rule *model.Rule) error {
	return f(ctx, msg, rule)
}

// Registry maps action names to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(action string, h Handler) {
	r.handlers[action] = h
}

// Dispatch runs the handler for rule.Action.
func (r *Registry) Dispatch(ctx context.Context, msg *model.Message, rule *model.Rule) error {
	h, ok := r.handlers[rule.Action]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionUnimplemented, rule.Action)
	}
	return h.Execute(ctx, msg, rule)
}

// LabelStore is the storage side of the label actions.
type LabelStore interface {
	UpdateLabels(ctx context.Context, id string, add, remove []string) (*model.Message, error)
}

// labelChange computes the labels an action adds and removes.
type labelChange func(rule *model.Rule) (add, remove []string, err error)

type labelHandler struct {
	store  LabelStore
	remote provider.LabelModifier
	change labelChange
	logger *zap.Logger
}

func (h *labelHandler) Execute(ctx context.Context, msg *model.Message, rule *model.Rule) error {
	add, remove, err := h.change(rule)
	if err != nil {
		return err
	}
	if _, err := h.store.UpdateLabels(ctx, msg.ID, add, remove); err != nil {
		return fmt.Errorf("updating labels: %w", err)
	}
	if h.remote == nil {
		return nil
	}
	if err := h.remote.ModifyLabels(ctx, msg.AccountID, msg.ID, add, remove); err != nil {
		return fmt.Errorf("mirroring labels to provider: %w", err)
	}
	h.logger.Debug("Labels mirrored to provider",
		zap.String("message_id", msg.ID),
		zap.Strings("add", add),
		zap.Strings("remove", remove),
	)
	return nil
}

func fixed(add, remove []string) labelChange {
	return func(*model.Rule) ([]string, []string, error) { return add, remove, nil }
}

func fromArg(remove []string) labelChange {
	return func(rule *model.Rule) ([]string, []string, error) {
		if rule.ActionArg == "" {
			return nil, nil, fmt.Errorf("action %s requires action_arg", rule.Action)
		}
		return []string{rule.ActionArg}, remove, nil
	}
}

// NewDefaultRegistry wires the built-in actions. remote may be nil, in which
// case changes are applied to the local store only.
func NewDefaultRegistry(store LabelStore, remote provider.LabelModifier, logger *zap.Logger) *Registry {
	r := NewRegistry()
	label := func(c labelChange) Handler {
		return &labelHandler{store: store, remote: remote, change: c, logger: logger}
	}
	r.Register(model.ActionMarkAsRead, label(fixed(nil, []string{model.LabelUnread})))
	r.Register(model.ActionArchive, label(fixed(nil, []string{model.LabelInbox})))
	r.Register(model.ActionStar, label(fixed([]string{model.LabelStarred}, nil)))
	r.Register(model.ActionTrash, label(fixed([]string{model.LabelTrash}, []string{model.LabelInbox})))
	r.Register(model.ActionAddLabel, label(fromArg(nil)))
	r.Register(model.ActionMoveToFolder, label(fromArg([]string{model.LabelInbox})))
	// forward and notify stay unregistered and resolve to ErrActionUnimplemented.
	return r
}
