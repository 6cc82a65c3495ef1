package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lucidhq/workspace-sync/internal/provider"
)

// NewGmailService builds a Gmail client bound to the given OAuth token
func NewGmailService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	config := &oauth2.Config{
		Scopes: []string{gmail.GmailModifyScope},
	}
	httpClient := config.Client(ctx, token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// NewCalendarService builds a Calendar client bound to the given OAuth token
func NewCalendarService(ctx context.Context, token *oauth2.Token) (*calendar.Service, error) {
	config := &oauth2.Config{
		Scopes: []string{calendar.CalendarScope},
	}
	httpClient := config.Client(ctx, token)

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return svc, nil
}

// statusCode extracts the HTTP status of a Google API error, or 0
func statusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// classify maps a Google API error onto the provider error taxonomy
func classify(err error) error {
	switch statusCode(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
	case http.StatusGone:
		return fmt.Errorf("%w: %v", provider.ErrCursorExpired, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", provider.ErrAuthRequired, err)
	default:
		return err
	}
}

// IsNotFound reports whether err is a provider-side 404
func IsNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound || errors.Is(err, provider.ErrNotFound)
}

// IsGone reports whether err is a provider-side 410
func IsGone(err error) bool {
	return statusCode(err) == http.StatusGone || errors.Is(err, provider.ErrCursorExpired)
}
