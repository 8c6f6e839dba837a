package push

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/l0p7/campusworker/internal/metrics"
	"github.com/l0p7/campusworker/internal/runtime/event"
	"github.com/l0p7/campusworker/internal/runtime/network"
)

// DefaultTitle is used when a push carries no usable title.
const DefaultTitle = "New notification"

// OutcomeDisplayError counts pushes whose notification could not be shown.
const OutcomeDisplayError = "display_error"

// ReceiverConfig wires a Receiver.
type ReceiverConfig struct {
	Displayer         Displayer
	Origin            *network.Origin
	DefaultTitle      string
	Icon              string
	Badge             string
	AllowExternalURLs bool
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Receiver renders every push into exactly one notification.
type Receiver struct {
	cfg    ReceiverConfig
	logger *slog.Logger
}

func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Displayer == nil {
		return nil, errors.New("push: displayer required")
	}
	if cfg.Origin == nil {
		return nil, errors.New("push: origin required")
	}
	if strings.TrimSpace(cfg.DefaultTitle) == "" {
		cfg.DefaultTitle = DefaultTitle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{cfg: cfg, logger: logger.With(slog.String("agent", "push_receiver"))}, nil
}

// Build derives the notification for raw without displaying it.
func (r *Receiver) Build(raw []byte) (Notification, string) {
	payload, outcome := DecodePayload(raw)
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		title = r.cfg.DefaultTitle
	}
	return Notification{
		ID:    uuid.NewString(),
		Title: title,
		Body:  payload.Body,
		Icon:  r.cfg.Icon,
		Badge: r.cfg.Badge,
		Data:  Data{URL: ResolveLink(r.cfg.Origin, payload.URL, r.cfg.AllowExternalURLs)},
	}, outcome
}

// Handle displays the notification for raw. The show call is attached to ev;
// the returned notification is what will be displayed.
func (r *Receiver) Handle(ev *event.Event, raw []byte) Notification {
	n, outcome := r.Build(raw)
	if outcome == OutcomeFallback {
		r.logger.Debug("push payload is not JSON, displaying raw text", slog.Int("bytes", len(raw)))
	}
	ev.WaitUntil(func(ctx context.Context) error {
		if err := r.cfg.Displayer.Show(ctx, n); err != nil {
			r.cfg.Metrics.ObservePush(OutcomeDisplayError)
			r.logger.Error("notification display failed", slog.String("notification_id", n.ID), slog.Any("error", err))
			return err
		}
		r.cfg.Metrics.ObservePush(outcome)
		return nil
	})
	return n
}
