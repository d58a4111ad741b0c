package smtp

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/notify"
)

const DefaultPort = 587

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string // defaults to Username
}

// Client is the email channel. It dials a fresh STARTTLS session per message.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Client{cfg: cfg}
}

// IsConfigured returns true if host and credentials are set
func (c *Client) IsConfigured() bool {
	return c.cfg.Host != "" && c.cfg.Username != "" && c.cfg.Password != ""
}

func (c *Client) Channel() domain.Channel { return domain.ChannelEmail }

func (c *Client) Address(u *domain.User) (string, bool) {
	return u.Email, u.Email != ""
}

// Send delivers msg as an HTML email with a plain-text alternative.
// An unconfigured client returns notify.ErrNotConfigured without dialing.
func (c *Client) Send(ctx context.Context, to string, msg notify.Message) error {
	if !c.IsConfigured() {
		return notify.ErrNotConfigured
	}

	m, err := c.buildMessage(to, msg)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(c.cfg.Host,
		mail.WithPort(c.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(c.cfg.Username),
		mail.WithPassword(c.cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (c *Client) buildMessage(to string, msg notify.Message) (*mail.Msg, error) {
	from := c.cfg.From
	if from == "" {
		from = c.cfg.Username
	}

	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	if msg.Text != "" {
		m.AddAlternativeString(mail.TypeTextPlain, msg.Text)
	}
	return m, nil
}
