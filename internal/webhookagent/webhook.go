package webhookagent

import (
	"encoding/json"
	"net/http"

	"github.com/google/go-github/v32/github"
	"github.com/rs/zerolog"
)

// RevisionEvent is what the HTTP handler publishes to the queue and the
// consumer loop unmarshals back; it carries only what the dispatcher's
// DISPATCH command needs.
type RevisionEvent struct {
	Revision   string `json:"revision"`
	Repository string `json:"repository"`
}

// WebhookHandler validates and parses a GitHub push webhook and hands the
// head commit's SHA to publish. secret is the GitHub webhook secret used
// to validate the payload signature; publish is typically queue.Produce.
func WebhookHandler(secret string, publish func([]byte) error, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := github.ValidatePayload(r, []byte(secret))
		if err != nil {
			logger.Warn().Err(err).Msg("webhook signature validation failed")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		defer r.Body.Close()

		event, err := github.ParseWebHook(github.WebHookType(r), payload)
		if err != nil {
			logger.Warn().Err(err).Msg("could not parse webhook payload")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		push, ok := event.(*github.PushEvent)
		if !ok {
			logger.Info().Str("type", github.WebHookType(r)).Msg("ignored webhook event type")
			w.WriteHeader(http.StatusOK)
			return
		}

		headCommit := push.GetHeadCommit()
		if headCommit == nil || headCommit.GetID() == "" {
			w.WriteHeader(http.StatusOK)
			return
		}

		body, err := json.Marshal(RevisionEvent{
			Revision:   headCommit.GetID(),
			Repository: push.GetRepo().GetFullName(),
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode revision event")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if err := publish(body); err != nil {
			logger.Error().Err(err).Msg("failed to publish revision event")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// HealthHandler answers liveness probes.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}
