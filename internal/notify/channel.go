package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// Message is one rendered notification.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Channel delivers a message to an external destination.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// sesAPI is the subset of the SES v2 client used here.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESChannel sends email through Amazon SES. Without a sender address it is
// disabled and drops every message.
type SESChannel struct {
	client    sesAPI
	fromEmail string
	fromName  string
	enabled   bool
	logger    *slog.Logger
}

func NewSESChannel(ctx context.Context, region, fromEmail, fromName string, logger *slog.Logger) (*SESChannel, error) {
	logger = logger.With("component", "ses")
	if fromEmail == "" {
		logger.Info("email delivery disabled: SES_FROM_EMAIL not configured")
		return &SESChannel{logger: logger}, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("email delivery enabled", "from", fromEmail, "region", region)
	return newSESChannel(sesv2.NewFromConfig(cfg), fromEmail, fromName, logger), nil
}

func newSESChannel(client sesAPI, fromEmail, fromName string, logger *slog.Logger) *SESChannel {
	return &SESChannel{
		client:    client,
		fromEmail: fromEmail,
		fromName:  fromName,
		enabled:   true,
		logger:    logger,
	}
}

func (s *SESChannel) Enabled() bool {
	return s.enabled
}

func (s *SESChannel) Send(ctx context.Context, msg Message) error {
	if !s.enabled {
		s.logger.Debug("skipping email send (delivery disabled)", "to", msg.To, "subject", msg.Subject)
		return nil
	}
	if msg.To == "" {
		return errors.New("email: empty destination")
	}

	from := s.fromEmail
	if s.fromName != "" {
		from = fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)
	}

	body := &types.Body{
		Text: &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")},
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}
	s.logger.Info("email sent", "to", msg.To, "subject", msg.Subject, "message_id", aws.ToString(out.MessageId))
	return nil
}

// LogChannel writes messages to the structured log instead of delivering them.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With("component", "notify")}
}

func (l *LogChannel) Send(ctx context.Context, msg Message) error {
	l.logger.InfoContext(ctx, "notification", "to", msg.To, "subject", msg.Subject)
	return nil
}

// MultiChannel sends to every channel and joins their errors.
type MultiChannel []Channel

func (m MultiChannel) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, ch := range m {
		if err := ch.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
