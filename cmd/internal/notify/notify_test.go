package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"careline/cmd/internal/apperr"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/mailgun/mailgun-go/v4"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
)

type fakeChannel struct {
	name  string
	field func(Contact) string
	fail  map[string]bool
	delay time.Duration

	mu   sync.Mutex
	sent []string
}

func (f *fakeChannel) Name() string             { return f.name }
func (f *fakeChannel) Reachable(c Contact) bool { return f.field(c) != "" }

func (f *fakeChannel) Send(ctx context.Context, c Contact, _ Notification) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, c.UserID)
	f.mu.Unlock()
	if f.fail[c.UserID] {
		return apperr.ExternalError{Op: "fake", Provider: f.name, Err: errors.New("down")}
	}
	return nil
}

func pushField(c Contact) string  { return c.PushToken }
func phoneField(c Contact) string { return c.Phone }

func TestDispatchReachesTargetWhenAnyChannelSucceeds(t *testing.T) {
	t.Parallel()

	push := &fakeChannel{name: ChannelPush, field: pushField, fail: map[string]bool{"u1": true}}
	sms := &fakeChannel{name: ChannelSMS, field: phoneField}
	d := NewDispatcher([]Channel{push, sms})

	targets := []Contact{
		{UserID: "u1", PushToken: "ExponentPushToken[a]", Phone: "+15550001"},
		{UserID: "u2", PushToken: "ExponentPushToken[b]"},
		{UserID: "u3"},
	}
	out, err := d.Dispatch(context.Background(), targets, []string{ChannelPush, ChannelSMS, ChannelEmail}, Notification{EventID: "e1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("outcomes=%d want=3", len(out))
	}
	if !out[0].Reached || len(out[0].Attempts) != 2 {
		t.Fatalf("u1 should be reached by sms after push failed: %+v", out[0])
	}
	if !out[1].Reached || len(out[1].Attempts) != 1 {
		t.Fatalf("u2 should be reached by push: %+v", out[1])
	}
	if out[2].Reached || len(out[2].Attempts) != 0 {
		t.Fatalf("u3 has no address and must not be attempted: %+v", out[2])
	}
	if d.Reachable(targets[2], []string{ChannelPush, ChannelSMS}) {
		t.Fatalf("u3 must be unreachable")
	}
}

func TestDispatchBoundsEachAttempt(t *testing.T) {
	t.Parallel()

	slow := &fakeChannel{name: ChannelPush, field: pushField, delay: time.Second}
	d := NewDispatcher([]Channel{slow}, WithAttemptTimeout(20*time.Millisecond))

	start := time.Now()
	out, err := d.Dispatch(context.Background(), []Contact{{UserID: "u1", PushToken: "t"}}, []string{ChannelPush}, Notification{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("attempt was not bounded")
	}
	if out[0].Reached || !errors.Is(out[0].Attempts[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %+v", out[0])
	}
}

func TestDispatchRunsChannelsInParallel(t *testing.T) {
	t.Parallel()

	push := &fakeChannel{name: ChannelPush, field: pushField, delay: 100 * time.Millisecond}
	sms := &fakeChannel{name: ChannelSMS, field: phoneField, delay: 100 * time.Millisecond}
	d := NewDispatcher([]Channel{push, sms}, WithParallelism(4))

	targets := []Contact{
		{UserID: "u1", PushToken: "a", Phone: "1"},
		{UserID: "u2", PushToken: "b", Phone: "2"},
	}
	start := time.Now()
	if _, err := d.Dispatch(context.Background(), targets, []string{ChannelPush, ChannelSMS}, Notification{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if took := time.Since(start); took > 300*time.Millisecond {
		t.Fatalf("sends looked sequential: %s", took)
	}
}

type fakeExpo struct {
	msgs   []*expo.PushMessage
	status string
}

func (f *fakeExpo) Publish(msg *expo.PushMessage) (expo.PushResponse, error) {
	f.msgs = append(f.msgs, msg)
	return expo.PushResponse{Status: f.status}, nil
}

func TestPushChannel(t *testing.T) {
	t.Parallel()

	client := &fakeExpo{status: expo.SuccessStatus}
	ch := NewPushChannelWithClient(client)

	if err := ch.Send(context.Background(), Contact{UserID: "u1"}, Notification{}); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
	if err := ch.Send(context.Background(), Contact{UserID: "u1", PushToken: "nope"}, Notification{}); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for bad token, got %v", err)
	}

	n := Notification{EventID: "e1", ConversationID: "c1", Title: "Emergency", Body: "Patient reports chest pain"}
	if err := ch.Send(context.Background(), Contact{UserID: "u1", PushToken: "ExponentPushToken[abc]"}, n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(client.msgs) != 1 || client.msgs[0].Priority != expo.HighPriority || client.msgs[0].Data["event_id"] != "e1" {
		t.Fatalf("unexpected push: %+v", client.msgs)
	}

	client.status = "error"
	err := ch.Send(context.Background(), Contact{UserID: "u1", PushToken: "ExponentPushToken[abc]"}, n)
	if !errors.Is(err, apperr.ErrExternalService) {
		t.Fatalf("expected external error, got %v", err)
	}
}

type fakeSNS struct {
	in  *sns.PublishInput
	err error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("m1")}, nil
}

func TestSMSChannel(t *testing.T) {
	t.Parallel()

	client := &fakeSNS{}
	ch := NewSMSChannelWithClient(client, "CARELINE")

	long := strings.Repeat("x", 400)
	if err := ch.Send(context.Background(), Contact{UserID: "u1", Phone: "+15550001"}, Notification{Title: "Emergency", Body: long}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if aws.ToString(client.in.PhoneNumber) != "+15550001" {
		t.Fatalf("phone=%q", aws.ToString(client.in.PhoneNumber))
	}
	if n := len([]rune(aws.ToString(client.in.Message))); n != maxSMSBody {
		t.Fatalf("body runes=%d want=%d", n, maxSMSBody)
	}
	if _, ok := client.in.MessageAttributes["AWS.SNS.SMS.SenderID"]; !ok {
		t.Fatalf("sender id attribute missing")
	}

	client.err = errors.New("throttled")
	if err := ch.Send(context.Background(), Contact{UserID: "u1", Phone: "+15550001"}, Notification{}); !apperr.Retryable(err) {
		t.Fatalf("provider errors must be retryable, got %v", err)
	}
}

type fakeMail struct {
	*mailgun.MailgunImpl
	sent int
	err  error
}

func (f *fakeMail) Send(context.Context, *mailgun.Message) (string, string, error) {
	f.sent++
	return "queued", "<id@careline>", f.err
}

func TestEmailChannel(t *testing.T) {
	t.Parallel()

	client := &fakeMail{MailgunImpl: mailgun.NewMailgun("mg.example.com", "key")}
	ch := NewEmailChannelWithClient(client, "Careline <esc@example.com>")

	if ch.Reachable(Contact{UserID: "u1"}) {
		t.Fatalf("contact without email must be unreachable")
	}
	if err := ch.Send(context.Background(), Contact{UserID: "u1", Email: "dr@example.com"}, Notification{Title: "Emergency"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if client.sent != 1 {
		t.Fatalf("sent=%d want=1", client.sent)
	}

	client.err = errors.New("401")
	if err := ch.Send(context.Background(), Contact{UserID: "u1", Email: "dr@example.com"}, Notification{}); !errors.Is(err, apperr.ErrExternalService) {
		t.Fatalf("expected external error, got %v", err)
	}
}

func TestSlackChannelMentionsUser(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var text atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		text.Store(body.Text)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, time.Second)
	if err := ch.Send(context.Background(), Contact{UserID: "u1", Slack: "U123"}, Notification{Title: "Emergency", EventID: "e1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hits.Load() != 1 || !strings.Contains(text.Load().(string), "<@U123>") {
		t.Fatalf("unexpected webhook payload: %v", text.Load())
	}
}

func TestConfigBuildsOnlyConfiguredChannels(t *testing.T) {
	t.Parallel()

	cfg := Config{
		MailgunDomain:   "mg.example.com",
		MailgunAPIKey:   "key",
		SlackWebhookURL: "https://hooks.slack.invalid/x",
	}
	chs, err := cfg.Channels(context.Background(), nil)
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	d := NewDispatcher(chs)
	if got := strings.Join(d.Names(), ","); got != "email,slack" {
		t.Fatalf("channels=%q want=email,slack", got)
	}
}
