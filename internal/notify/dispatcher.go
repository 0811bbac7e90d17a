// Package notify turns merged account state into the payload the
// presentation layer renders.
package notify

import (
	"context"
	"log/slog"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/i18n"
	"aaronromeo.com/identityswitch/pkg/utils"
)

type Desktop struct {
	Text    string `json:"text"`
	Timeout int    `json:"timeout"`
}

type Account struct {
	IID     int      `json:"iid"`
	Label   string   `json:"label"`
	Unseen  int      `json:"unseen"`
	Active  bool     `json:"active,omitempty"`
	Basic   bool     `json:"basic,omitempty"`
	Desktop *Desktop `json:"desktop,omitempty"`
	Sound   bool     `json:"sound,omitempty"`
}

func (a Account) Notified() bool {
	return a.Basic || a.Sound || a.Desktop != nil
}

type Payload struct {
	Title        string    `json:"title"`
	Autoplay     string    `json:"autoplay"`
	Notification string    `json:"notification"`
	Accounts     []Account `json:"accounts"`
}

// Notified returns the accounts that carry at least one notification.
func (p Payload) Notified() []Account {
	var out []Account
	for _, a := range p.Accounts {
		if a.Notified() {
			out = append(out, a)
		}
	}
	return out
}

// Sink receives payloads that announce at least one account.
type Sink interface {
	Deliver(ctx context.Context, p Payload) error
}

type Option func(*Dispatcher)

func WithSink(s Sink) Option {
	return func(d *Dispatcher) {
		d.sinks = append(d.sinks, s)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithInstruments(inst *utils.Instruments) Option {
	return func(d *Dispatcher) {
		d.inst = inst
	}
}

type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
	inst   *utils.Instruments
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Counts reports the current unseen counts without touching notify state.
func Counts(store *cache.Store) Payload {
	p := newPayload(store.Config().Language)
	for _, iid := range store.IDs() {
		rec, _ := store.Lookup(iid)
		p.Accounts = append(p.Accounts, Account{
			IID:    iid,
			Label:  rec.Label,
			Unseen: rec.Unseen,
			Active: iid == store.Active(),
		})
	}
	return p
}

// Dispatch builds the payload for every identity and clears the pending
// notify flags. Basic and sound go to the first pending account only;
// desktop text goes to each pending account that asked for it.
func (d *Dispatcher) Dispatch(ctx context.Context, store *cache.Store) Payload {
	lang := store.Config().Language
	printer := i18n.Printer(lang)
	p := newPayload(lang)

	var basic, sound bool
	for _, iid := range store.IDs() {
		rec, _ := store.Lookup(iid)
		acct := Account{
			IID:    iid,
			Label:  rec.Label,
			Unseen: rec.Unseen,
			Active: iid == store.Active(),
		}

		if rec.Notify {
			rec.Notify = false

			if rec.Flags.Notify.Basic && !basic {
				basic = true
				acct.Basic = true
			}
			if rec.Flags.Notify.Desktop {
				acct.Desktop = &Desktop{
					Text:    printer.Sprintf(i18n.NotifyMessage, rec.Unseen, rec.Label),
					Timeout: rec.NotifyTimeout,
				}
			}
			if rec.Flags.Notify.Sound && !sound {
				sound = true
				acct.Sound = true
			}
		}
		p.Accounts = append(p.Accounts, acct)
	}

	notified := p.Notified()
	if len(notified) == 0 {
		return p
	}
	if d.inst != nil {
		d.inst.Notified.Add(ctx, int64(len(notified)))
	}
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, p); err != nil {
			d.logger.WarnContext(ctx, "notification delivery failed", slog.Any("error", utils.WrapError(err)))
		}
	}
	return p
}

func newPayload(lang string) Payload {
	printer := i18n.Printer(lang)
	return Payload{
		Title:        printer.Sprintf(i18n.NotifyTitle),
		Autoplay:     printer.Sprintf(i18n.AutoplayBlocked),
		Notification: printer.Sprintf(i18n.DesktopDenied),
		Accounts:     []Account{},
	}
}
