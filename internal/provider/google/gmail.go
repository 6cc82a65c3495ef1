package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/lucidhq/workspace-sync/internal/provider"
)

// Gmail watch channels expire after 7 days when the API omits an expiration
const gmailWatchExpiration = 7 * 24 * time.Hour

// Full resyncs are bounded to messages newer than this
const mailResyncWindow = "newer_than:30d"

// MailSource adapts the Gmail API to the provider interfaces. Its cursor is
// a Gmail history id.
type MailSource struct {
	svc   *gmail.Service
	topic string
}

var _ provider.Source = (*MailSource)(nil)

// NewMailSource wraps an authenticated Gmail service. topic is the Pub/Sub
// topic watch notifications are delivered through.
func NewMailSource(svc *gmail.Service, topic string) *MailSource {
	return &MailSource{svc: svc, topic: topic}
}

// Watch registers a mailbox watch. Gmail does not echo a channel id; the
// caller-generated one identifies the subscription locally.
func (s *MailSource) Watch(ctx context.Context, channelID string) (*provider.WatchInfo, error) {
	req := &gmail.WatchRequest{
		LabelIds:          []string{"INBOX"},
		LabelFilterAction: "include",
		TopicName:         s.topic,
	}

	resp, err := s.svc.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to start Gmail watch: %w", classify(err))
	}

	info := &provider.WatchInfo{
		ChannelID:  channelID,
		Cursor:     strconv.FormatUint(resp.HistoryId, 10),
		Expiration: time.Now().Add(gmailWatchExpiration),
	}
	if resp.Expiration > 0 {
		info.Expiration = time.UnixMilli(resp.Expiration)
	}
	return info, nil
}

// Stop tears the watch down. A watch Gmail no longer knows about counts as
// stopped.
func (s *MailSource) Stop(ctx context.Context, channelID, resourceID string) error {
	if err := s.svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop Gmail watch: %w", classify(err))
	}
	return nil
}

// Changes fetches the history since cursor and feeds each change to apply.
// An empty cursor performs a bounded full resync instead.
func (s *MailSource) Changes(ctx context.Context, cursor string, apply func(provider.Change) error) (string, error) {
	if cursor == "" {
		return s.resync(ctx, apply)
	}

	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid history id %q: %w", cursor, provider.ErrCursorExpired)
	}

	latest := startHistoryID
	seen := make(map[string]bool)

	call := s.svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		MaxResults(100)

	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}

			for _, rec := range h.MessagesAdded {
				id := rec.Message.Id
				if seen[id] {
					continue
				}
				seen[id] = true

				item, err := s.fetchItem(ctx, id)
				if err != nil {
					// Message may be gone already; skip it
					log.Printf("gmail: skipping message %s: %v", id, err)
					continue
				}
				if err := apply(provider.Change{Type: provider.ChangeAdded, ExternalID: id, Item: item}); err != nil {
					return err
				}
			}

			for _, rec := range h.MessagesDeleted {
				if err := apply(provider.Change{Type: provider.ChangeDeleted, ExternalID: rec.Message.Id}); err != nil {
					return err
				}
			}

			for _, rec := range h.LabelsAdded {
				change := provider.Change{
					Type:        provider.ChangeLabels,
					ExternalID:  rec.Message.Id,
					LabelsAdded: rec.LabelIds,
				}
				if err := apply(change); err != nil {
					return err
				}
			}

			for _, rec := range h.LabelsRemoved {
				change := provider.Change{
					Type:          provider.ChangeLabels,
					ExternalID:    rec.Message.Id,
					LabelsRemoved: rec.LabelIds,
				}
				if err := apply(change); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		// Gmail answers 404 when the start history id has aged out
		if statusCode(err) == http.StatusNotFound {
			return "", fmt.Errorf("history id %d too old: %w", startHistoryID, provider.ErrCursorExpired)
		}
		return "", fmt.Errorf("failed to list history: %w", classify(err))
	}

	return strconv.FormatUint(latest, 10), nil
}

// resync lists recent inbox messages and emits them all as additions, then
// reads the mailbox profile for a fresh history id
func (s *MailSource) resync(ctx context.Context, apply func(provider.Change) error) (string, error) {
	call := s.svc.Users.Messages.List("me").
		IncludeSpamTrash(false).
		Q(mailResyncWindow).
		MaxResults(100)

	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			item, err := s.fetchItem(ctx, m.Id)
			if err != nil {
				log.Printf("gmail: skipping message %s during resync: %v", m.Id, err)
				continue
			}
			if err := apply(provider.Change{Type: provider.ChangeAdded, ExternalID: m.Id, Item: item}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to resync messages: %w", classify(err))
	}

	profile, err := s.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to read mailbox profile: %w", classify(err))
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

func (s *MailSource) fetchItem(ctx context.Context, id string) (*provider.Item, error) {
	msg, err := s.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	return NormalizeMessage(msg), nil
}

// NormalizeMessage converts a Gmail message into the provider's item shape
func NormalizeMessage(m *gmail.Message) *provider.Item {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	bodyText, bodyHTML := decodeBody(m.Payload)
	raw, _ := json.Marshal(m)

	item := &provider.Item{
		ExternalID:  m.Id,
		ThreadID:    m.ThreadId,
		Title:       headers["subject"],
		FromAddress: headers["from"],
		ToAddresses: splitAddrs(headers["to"]),
		CcAddresses: splitAddrs(headers["cc"]),
		Snippet:     m.Snippet,
		BodyText:    bodyText,
		BodyHTML:    bodyHTML,
		Labels:      m.LabelIds,
		IsRead:      !hasLabel(m.LabelIds, "UNREAD"),
		IsStarred:   hasLabel(m.LabelIds, "STARRED"),
		Raw:         raw,
	}
	if m.InternalDate > 0 {
		item.ReceivedAt = time.UnixMilli(m.InternalDate)
	}
	return item
}

// decodeBody walks the MIME tree for the first text/plain and text/html parts
func decodeBody(part *gmail.MessagePart) (text, html string) {
	if part == nil {
		return "", ""
	}
	if part.Body != nil && part.Body.Data != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(part.Body.Data, "="))
		if err == nil {
			switch part.MimeType {
			case "text/plain":
				text = string(decoded)
			case "text/html":
				html = string(decoded)
			}
		}
	}
	for _, child := range part.Parts {
		childText, childHTML := decodeBody(child)
		if text == "" {
			text = childText
		}
		if html == "" {
			html = childHTML
		}
	}
	return text, html
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
