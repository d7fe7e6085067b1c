package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatsync-dev/chatsync"
	"github.com/chatsync-dev/chatsync/internal/metrics"
)

// HookForwarder posts every published invocation to a list of URLs, signed
// with the shared hook secret. Receivers verify with chatsync.EventHook.
type HookForwarder struct {
	urls   []string
	secret string
	client *http.Client
	log    zerolog.Logger
}

func NewHookForwarder(urls []string, secret string, log zerolog.Logger) *HookForwarder {
	return &HookForwarder{
		urls:   urls,
		secret: secret,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log.With().Str("component", "hooks").Logger(),
	}
}

// Forward delivers env to every hook. Failures are logged and counted.
func (f *HookForwarder) Forward(ctx context.Context, env Envelope) {
	body, err := json.Marshal(chatsync.HookPayload{
		Target:    env.Invocation.Target,
		Arguments: env.Invocation.Arguments,
		Scope:     env.Scope(),
	})
	if err != nil {
		f.log.Error().Err(err).Msg("marshal hook payload")
		return
	}
	sig := chatsync.SignHookBody(body, f.secret)

	for _, url := range f.urls {
		if err := f.post(ctx, url, body, sig); err != nil {
			metrics.HookDeliveries.WithLabelValues("error").Inc()
			f.log.Warn().Err(err).Str("url", url).Str("target", env.Invocation.Target).Msg("hook delivery failed")
			continue
		}
		metrics.HookDeliveries.WithLabelValues("ok").Inc()
	}
}

func (f *HookForwarder) post(ctx context.Context, url string, body []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(chatsync.SignatureHeader, sig)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hook answered %s", resp.Status)
	}
	return nil
}
