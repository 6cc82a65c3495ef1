package google

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/lucidhq/workspace-sync/internal/provider"
)

const calendarWatchExpiration = 7 * 24 * time.Hour

// First syncs without a token fetch a bounded window around now
const (
	calendarWindowPast   = 7 * 24 * time.Hour
	calendarWindowFuture = 30 * 24 * time.Hour
)

// CalendarSource adapts the Calendar API to the provider interfaces. Its
// cursor is a sync token.
type CalendarSource struct {
	svc        *calendar.Service
	webhookURL string
}

var _ provider.Source = (*CalendarSource)(nil)

// NewCalendarSource wraps an authenticated Calendar service. webhookURL is
// where Google delivers channel notifications.
func NewCalendarSource(svc *calendar.Service, webhookURL string) *CalendarSource {
	return &CalendarSource{svc: svc, webhookURL: webhookURL}
}

// Watch registers a web_hook channel on the primary calendar and drains the
// event list once to obtain the initial sync token
func (s *CalendarSource) Watch(ctx context.Context, channelID string) (*provider.WatchInfo, error) {
	expiration := time.Now().Add(calendarWatchExpiration)

	ch := &calendar.Channel{
		Id:         channelID,
		Type:       "web_hook",
		Address:    s.webhookURL,
		Expiration: expiration.UnixMilli(),
	}

	resp, err := s.svc.Events.Watch("primary", ch).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to start Calendar watch: %w", classify(err))
	}

	info := &provider.WatchInfo{
		ChannelID:  channelID,
		ResourceID: resp.ResourceId,
		Expiration: expiration,
	}
	if resp.Expiration > 0 {
		info.Expiration = time.UnixMilli(resp.Expiration)
	}

	// Sync tokens are only handed out by an unfiltered listing, so this can
	// fail independently of the watch itself; the first reconciliation then
	// starts from the bounded window instead.
	token, err := s.currentSyncToken(ctx)
	if err != nil {
		return info, nil
	}
	info.Cursor = token

	return info, nil
}

// Stop closes the notification channel, tolerating channels Google has
// already expired
func (s *CalendarSource) Stop(ctx context.Context, channelID, resourceID string) error {
	if resourceID == "" {
		return nil
	}
	ch := &calendar.Channel{Id: channelID, ResourceId: resourceID}
	if err := s.svc.Channels.Stop(ch).Context(ctx).Do(); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop Calendar watch: %w", classify(err))
	}
	return nil
}

// Changes lists events changed since the sync token. An empty cursor lists
// the bounded window instead and finishes by fetching a fresh token.
func (s *CalendarSource) Changes(ctx context.Context, cursor string, apply func(provider.Change) error) (string, error) {
	var nextSyncToken string
	pageToken := ""

	for {
		call := s.svc.Events.List("primary").SingleEvents(true).MaxResults(250)
		if cursor != "" {
			call = call.SyncToken(cursor)
		} else {
			now := time.Now()
			call = call.
				TimeMin(now.Add(-calendarWindowPast).Format(time.RFC3339)).
				TimeMax(now.Add(calendarWindowFuture).Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Context(ctx).Do()
		if err != nil {
			// 410 Gone means the sync token has been invalidated
			classified := classify(err)
			return "", fmt.Errorf("failed to list events: %w", classified)
		}

		for _, ev := range page.Items {
			if err := apply(normalizeEventChange(ev)); err != nil {
				return "", err
			}
		}

		if page.NextSyncToken != "" {
			nextSyncToken = page.NextSyncToken
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	// Windowed listings never include a sync token; fetch one so the next
	// reconciliation can go incremental
	if nextSyncToken == "" && cursor == "" {
		token, err := s.currentSyncToken(ctx)
		if err == nil {
			nextSyncToken = token
		}
	}
	if nextSyncToken == "" {
		nextSyncToken = cursor
	}
	return nextSyncToken, nil
}

// currentSyncToken drains an unfiltered event listing for its sync token
func (s *CalendarSource) currentSyncToken(ctx context.Context) (string, error) {
	pageToken := ""
	for {
		call := s.svc.Events.List("primary").SingleEvents(true).MaxResults(250)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("failed to obtain sync token: %w", classify(err))
		}
		if page.NextPageToken == "" {
			return page.NextSyncToken, nil
		}
		pageToken = page.NextPageToken
	}
}

func normalizeEventChange(ev *calendar.Event) provider.Change {
	if ev.Status == "cancelled" {
		return provider.Change{Type: provider.ChangeDeleted, ExternalID: ev.Id}
	}
	return provider.Change{
		Type:       provider.ChangeAdded,
		ExternalID: ev.Id,
		Item:       NormalizeEvent(ev),
	}
}

// NormalizeEvent converts a Calendar event into the provider's item shape,
// folding all-day and timed events into one start/end pair
func NormalizeEvent(ev *calendar.Event) *provider.Item {
	raw, _ := json.Marshal(ev)

	item := &provider.Item{
		ExternalID: ev.Id,
		Title:      ev.Summary,
		BodyText:   ev.Description,
		Status:     ev.Status,
		Snippet:    ev.Location,
		IsRead:     true,
		Raw:        raw,
	}
	if item.Title == "" {
		item.Title = "Untitled Event"
	}

	item.StartsAt, item.AllDay = eventTime(ev.Start, false)
	item.EndsAt, _ = eventTime(ev.End, true)

	for _, att := range ev.Attendees {
		if att.Email != "" {
			item.ToAddresses = append(item.ToAddresses, att.Email)
		}
	}
	if ev.Organizer != nil {
		item.FromAddress = ev.Organizer.Email
	}
	if ev.Updated != "" {
		if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			item.ReceivedAt = t
		}
	}
	return item
}

// eventTime normalizes an all-day date or timed dateTime. All-day end dates
// are exclusive upstream, so the end is pulled back to the end of the
// previous day.
func eventTime(dt *calendar.EventDateTime, isEnd bool) (time.Time, bool) {
	if dt == nil {
		return time.Time{}, false
	}
	if dt.Date != "" {
		t, err := time.Parse("2006-01-02", dt.Date)
		if err != nil {
			return time.Time{}, true
		}
		if isEnd {
			t = t.Add(-time.Second)
		}
		return t, true
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false
		}
		return t, false
	}
	return time.Time{}, false
}
