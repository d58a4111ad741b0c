// Package notify routes rendered reminders to the sender registered for a
// channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/logx"
)

var (
	// ErrNotConfigured is returned by senders missing host or credentials.
	ErrNotConfigured      = errors.New("channel not configured")
	ErrUnsupportedChannel = errors.New("unsupported channel")
	ErrNoAddress          = errors.New("recipient has no address for channel")
)

type Message struct {
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a message over one medium.
type Sender interface {
	Channel() domain.Channel
	// Address returns the recipient's address on this medium.
	Address(u *domain.User) (string, bool)
	Send(ctx context.Context, address string, msg Message) error
}

// Registry holds one sender per supported channel.
type Registry struct {
	mu      sync.RWMutex
	senders map[domain.Channel]Sender
	limiter *rate.Limiter
	log     logx.Logger
}

// NewRegistry creates an empty registry. ratePerSec <= 0 disables throttling.
func NewRegistry(log logx.Logger, ratePerSec float64) *Registry {
	r := &Registry{
		senders: make(map[domain.Channel]Sender),
		log:     log.With(logx.String("component", "notify")),
	}
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return r
}

func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Channel()] = s
}

// Supported returns the set of channels this deployment can deliver on.
func (r *Registry) Supported() map[domain.Channel]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.Channel]bool, len(r.senders))
	for c := range r.senders {
		out[c] = true
	}
	return out
}

// Channels lists supported channel names in stable order.
func (r *Registry) Channels() []string {
	sup := r.Supported()
	out := make([]string, 0, len(sup))
	for c := range sup {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// SendTo delivers msg to the user's address on channel.
func (r *Registry) SendTo(ctx context.Context, ch domain.Channel, u *domain.User, msg Message) error {
	s, err := r.sender(ch)
	if err != nil {
		return err
	}
	addr, ok := s.Address(u)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAddress, ch)
	}
	return r.send(ctx, s, addr, msg)
}

// SendAddress delivers msg to a raw address, bypassing user lookup.
func (r *Registry) SendAddress(ctx context.Context, ch domain.Channel, address string, msg Message) error {
	s, err := r.sender(ch)
	if err != nil {
		return err
	}
	return r.send(ctx, s, address, msg)
}

func (r *Registry) sender(ch domain.Channel) (Sender, error) {
	r.mu.RLock()
	s, ok := r.senders[ch]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
	}
	return s, nil
}

// send never lets a sender panic escape; it comes back as an error.
func (r *Registry) send(ctx context.Context, s Sender, addr string, msg Message) (err error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s sender panic: %v", s.Channel(), p)
		}
	}()

	err = s.Send(ctx, addr, msg)
	if errors.Is(err, ErrNotConfigured) {
		r.log.Warn("channel not configured, skipping send", logx.String("channel", string(s.Channel())))
	}
	return err
}
