package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls via the Twilio REST API. The returned
// call SID is the session id the engine will route the call under once
// the media stream connects.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial rings the number and points the call at this instance's voice
// webhook.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	_ = ctx
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	resp, err := d.restClient().CreateCall(d.callParams(to, from, url, opts))
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

func (d *Dialer) restClient() callCreator {
	if d.client != nil {
		return d.client
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
	return rest.Api
}

func (d *Dialer) callParams(to, from, url string, opts transports.DialOptions) *api.CreateCallParams {
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	if url == "" {
		url = d.cfg.publicHTTPURL(d.cfg.VoicePath)
	}
	params.SetUrl(url)
	if digits := strings.TrimSpace(opts.SendDigits); digits != "" {
		params.SetSendDigits(digits)
	}
	if statusURL := d.statusCallbackURL(opts); statusURL != "" {
		params.SetStatusCallback(statusURL)
		params.SetStatusCallbackEvent([]string{"completed"})
	}
	return params
}

// statusCallbackURL prefers the caller's override. Without a public
// base there is no callback: Twilio cannot reach localhost.
func (d *Dialer) statusCallbackURL(opts transports.DialOptions) string {
	if v := strings.TrimSpace(opts.StatusCallbackURL); v != "" {
		return v
	}
	if d.cfg.PublicURL == "" {
		return ""
	}
	return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.StatusCallbackPath
}
