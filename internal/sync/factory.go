package sync

import (
	"context"
	"fmt"

	"github.com/lucidhq/workspace-sync/internal/auth"
	"github.com/lucidhq/workspace-sync/internal/provider"
	"github.com/lucidhq/workspace-sync/internal/provider/google"
	"github.com/lucidhq/workspace-sync/internal/provider/outlook"
	"github.com/lucidhq/workspace-sync/internal/store"
)

// NewSourceFactory builds the production SourceFactory: credentials come
// from the refresher, mail notifications flow through the Pub/Sub topic, and
// webhook callbacks land under webhookBaseURL.
func NewSourceFactory(refresher *auth.Refresher, pubsubTopic, webhookBaseURL string) SourceFactory {
	mailWebhookURL := webhookBaseURL + "/api/webhooks/mail"
	calendarWebhookURL := webhookBaseURL + "/api/webhooks/calendar"

	return func(ctx context.Context, us *store.UserStore, conn *store.Connection, kind provider.Kind) (provider.Source, error) {
		token, err := refresher.FreshToken(ctx, us, conn)
		if err != nil {
			return nil, err
		}

		switch {
		case conn.Provider == "google" && kind == provider.KindMail:
			svc, err := google.NewGmailService(ctx, token)
			if err != nil {
				return nil, err
			}
			return google.NewMailSource(svc, pubsubTopic), nil

		case conn.Provider == "google" && kind == provider.KindCalendar:
			svc, err := google.NewCalendarService(ctx, token)
			if err != nil {
				return nil, err
			}
			return google.NewCalendarSource(svc, calendarWebhookURL), nil

		case conn.Provider == "microsoft" && kind == provider.KindMail:
			return outlook.New(token.AccessToken, mailWebhookURL)

		default:
			return nil, fmt.Errorf("provider %q does not support %s sync", conn.Provider, kind)
		}
	}
}
