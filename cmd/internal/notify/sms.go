package notify

import (
	"context"

	"careline/cmd/internal/apperr"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const maxSMSBody = 300

// SNSPublishAPI is the subset of the SNS client used here.
type SNSPublishAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSChannel sends transactional SMS through Amazon SNS.
type SMSChannel struct {
	client   SNSPublishAPI
	senderID string
}

// NewSMSChannel loads the default AWS config for region.
func NewSMSChannel(ctx context.Context, region, senderID string) (*SMSChannel, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewSMSChannelWithClient(sns.NewFromConfig(cfg), senderID), nil
}

// NewSMSChannelWithClient wraps an existing client.
func NewSMSChannelWithClient(client SNSPublishAPI, senderID string) *SMSChannel {
	return &SMSChannel{client: client, senderID: senderID}
}

func (s *SMSChannel) Name() string { return ChannelSMS }

func (s *SMSChannel) Reachable(c Contact) bool { return c.Phone != "" }

func (s *SMSChannel) Send(ctx context.Context, c Contact, n Notification) error {
	if !s.Reachable(c) {
		return ErrNoAddress
	}

	body := n.Title + ": " + n.Body
	if r := []rune(body); len(r) > maxSMSBody {
		body = string(r[:maxSMSBody-1]) + "…"
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.senderID)}
	}

	if _, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(c.Phone),
		Message:           aws.String(body),
		MessageAttributes: attrs,
	}); err != nil {
		return apperr.ExternalError{Op: "notify.SMS", Provider: "sns", Err: err}
	}
	return nil
}
