package outlook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/lucidhq/workspace-sync/internal/provider"
)

// Graph caps mail subscriptions at 4230 minutes (just under 3 days)
const mailSubscriptionLifetime = 4230 * time.Minute

// MailSource adapts Microsoft Graph mail to the provider interfaces. Its
// cursor is a delta link; its ResourceID is the Graph subscription id.
type MailSource struct {
	client     *msgraphsdk.GraphServiceClient
	webhookURL string
}

var _ provider.Source = (*MailSource)(nil)

// New builds a Graph client from a bearer access token
func New(accessToken, webhookURL string) (*MailSource, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &MailSource{client: client, webhookURL: webhookURL}, nil
}

// Watch creates a Graph change-notification subscription on the inbox and
// establishes the initial delta link as the cursor
func (s *MailSource) Watch(ctx context.Context, channelID string) (*provider.WatchInfo, error) {
	sub := models.NewSubscription()
	changeType := "created,updated,deleted"
	sub.SetChangeType(&changeType)
	sub.SetNotificationUrl(&s.webhookURL)
	resource := "/me/mailFolders('inbox')/messages"
	sub.SetResource(&resource)
	expiration := time.Now().Add(mailSubscriptionLifetime)
	sub.SetExpirationDateTime(&expiration)
	sub.SetClientState(&channelID)

	created, err := s.client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph subscription: %w", classify(err))
	}

	info := &provider.WatchInfo{
		ChannelID:  channelID,
		Expiration: expiration,
	}
	if id := created.GetId(); id != nil {
		info.ResourceID = *id
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		info.Expiration = *exp
	}

	// Establish the delta baseline; without it the first reconciliation
	// re-imports the inbox
	if link, err := s.drainDelta(ctx, "", nil); err == nil {
		info.Cursor = link
	}

	return info, nil
}

// Stop deletes the Graph subscription, treating an unknown subscription as
// already stopped
func (s *MailSource) Stop(ctx context.Context, channelID, resourceID string) error {
	if resourceID == "" {
		return nil
	}
	if err := s.client.Subscriptions().BySubscriptionId(resourceID).Delete(ctx, nil); err != nil {
		if errors.Is(classify(err), provider.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete Graph subscription: %w", classify(err))
	}
	return nil
}

// Changes walks the delta feed from the cursor (or from scratch when empty)
// and feeds each change to apply
func (s *MailSource) Changes(ctx context.Context, cursor string, apply func(provider.Change) error) (string, error) {
	next, err := s.drainDelta(ctx, cursor, func(msg models.Messageable) error {
		return apply(normalizeChange(msg))
	})
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) || isGoneError(err) {
			return "", fmt.Errorf("delta link rejected: %w", provider.ErrCursorExpired)
		}
		return "", err
	}
	return next, nil
}

// drainDelta follows the delta feed to its end, invoking visit for each
// message when non-nil, and returns the closing delta link
func (s *MailSource) drainDelta(ctx context.Context, fromLink string, visit func(models.Messageable) error) (string, error) {
	adapter := s.client.GetAdapter()

	var builder *users.ItemMailFoldersItemMessagesDeltaRequestBuilder
	if fromLink != "" {
		builder = users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(fromLink, adapter)
	} else {
		builder = s.client.Me().MailFolders().ByMailFolderId("inbox").Messages().Delta()
	}

	for {
		resp, err := builder.GetAsDeltaGetResponse(ctx, nil)
		if err != nil {
			return "", classify(err)
		}

		if visit != nil {
			for _, msg := range resp.GetValue() {
				if err := visit(msg); err != nil {
					return "", err
				}
			}
		}

		if delta := resp.GetOdataDeltaLink(); delta != nil && *delta != "" {
			return *delta, nil
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return "", nil
		}
		builder = users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(*next, adapter)
	}
}

func normalizeChange(msg models.Messageable) provider.Change {
	id := ""
	if v := msg.GetId(); v != nil {
		id = *v
	}
	if removed, ok := msg.GetAdditionalData()["@removed"]; ok && removed != nil {
		return provider.Change{Type: provider.ChangeDeleted, ExternalID: id}
	}
	return provider.Change{
		Type:       provider.ChangeAdded,
		ExternalID: id,
		Item:       Normalize(msg),
	}
}

// Normalize converts a Graph message into the provider's item shape
func Normalize(msg models.Messageable) *provider.Item {
	item := &provider.Item{IsRead: true}

	if v := msg.GetId(); v != nil {
		item.ExternalID = *v
	}
	if v := msg.GetConversationId(); v != nil {
		item.ThreadID = *v
	}
	if v := msg.GetSubject(); v != nil {
		item.Title = *v
	}
	if from := msg.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil && addr.GetAddress() != nil {
			item.FromAddress = *addr.GetAddress()
		}
	}
	item.ToAddresses = extractAddresses(msg.GetToRecipients())
	item.CcAddresses = extractAddresses(msg.GetCcRecipients())
	if v := msg.GetBodyPreview(); v != nil {
		item.Snippet = *v
	}
	if body := msg.GetBody(); body != nil && body.GetContent() != nil {
		content := *body.GetContent()
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			item.BodyHTML = content
		} else {
			item.BodyText = content
		}
	}
	if v := msg.GetIsRead(); v != nil {
		item.IsRead = *v
	}
	item.Labels = msg.GetCategories()
	if v := msg.GetReceivedDateTime(); v != nil {
		item.ReceivedAt = *v
	}

	raw, _ := json.Marshal(map[string]string{
		"id":       item.ExternalID,
		"threadId": item.ThreadID,
		"subject":  item.Title,
		"from":     item.FromAddress,
		"snippet":  item.Snippet,
		"provider": "microsoft",
	})
	item.Raw = raw
	return item
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if addr := r.GetEmailAddress(); addr != nil && addr.GetAddress() != nil {
			addrs = append(addrs, *addr.GetAddress())
		}
	}
	return addrs
}

// classify maps Graph errors onto the provider error taxonomy
func classify(err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		switch oerr.ResponseStatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
		case http.StatusGone:
			return fmt.Errorf("%w: %v", provider.ErrCursorExpired, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", provider.ErrAuthRequired, err)
		}
	}
	return err
}

func isGoneError(err error) bool {
	var oerr *odataerrors.ODataError
	return errors.As(err, &oerr) && oerr.ResponseStatusCode == http.StatusGone
}

// staticTokenCredential satisfies the Azure credential interface with a
// token we already hold
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
