// Package gmail adapts the Gmail REST API to provider.Provider.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/provider"
)

const (
	user            = "me"
	defaultPageSize = 100
)

// Account holds the OAuth material for one mailbox. The token file must
// already exist; this client never runs an interactive consent flow.
type Account struct {
	ID              string
	CredentialsFile string
	TokenFile       string
}

// Client serves several Gmail accounts.
type Client struct {
	services map[string]*gmail.Service
	pageSize int64
	logger   *zap.Logger
}

var (
	_ provider.Provider      = (*Client)(nil)
	_ provider.LabelModifier = (*Client)(nil)
)

// NewClient builds one Gmail service per account.
func NewClient(ctx context.Context, accounts []Account, pageSize int64, logger *zap.Logger) (*Client, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	c := &Client{
		services: make(map[string]*gmail.Service, len(accounts)),
		pageSize: pageSize,
		logger:   logger,
	}
	for _, a := range accounts {
		ts, err := tokenSource(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.ID, err)
		}
		srv, err := gmail.NewService(ctx, option.WithTokenSource(ts))
		if err != nil {
			return nil, fmt.Errorf("account %s: unable to create Gmail service: %w", a.ID, err)
		}
		c.services[a.ID] = srv
	}
	return c, nil
}

// NewClientWithService is used when the caller builds the service, e.g. in
// tests against an httptest server.
func NewClientWithService(accountID string, srv *gmail.Service, pageSize int64, logger *zap.Logger) *Client {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Client{
		services: map[string]*gmail.Service{accountID: srv},
		pageSize: pageSize,
		logger:   logger,
	}
}

func tokenSource(ctx context.Context, a Account) (oauth2.TokenSource, error) {
	b, err := os.ReadFile(a.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	tok, err := tokenFromFile(a.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read token file: %w", err)
	}
	return cfg.TokenSource(ctx, tok), nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func (c *Client) service(accountID string) (*gmail.Service, error) {
	srv, ok := c.services[accountID]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", accountID)
	}
	return srv, nil
}

// Page tokens carry the history ID captured when the listing started, so a
// resumed full sync still hands back the right incremental cursor.
func encodePageToken(historyID uint64, pageToken string) string {
	return strconv.FormatUint(historyID, 10) + ":" + pageToken
}

func decodePageToken(token string) (uint64, string, error) {
	hist, page, ok := strings.Cut(token, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed page token %q", token)
	}
	id, err := strconv.ParseUint(hist, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed page token %q: %w", token, err)
	}
	return id, page, nil
}

func (c *Client) FetchPage(ctx context.Context, accountID, token string) (*provider.Page, error) {
	srv, err := c.service(accountID)
	if err != nil {
		return nil, provider.Wrap("list", accountID, err)
	}

	var historyID uint64
	var pageToken string
	if token == "" {
		profile, err := srv.Users.GetProfile(user).Context(ctx).Do()
		if err != nil {
			return nil, wrapAPI("profile", accountID, err)
		}
		historyID = profile.HistoryId
	} else if historyID, pageToken, err = decodePageToken(token); err != nil {
		return nil, provider.Wrap("list", accountID, err)
	}

	call := srv.Users.Messages.List(user).MaxResults(c.pageSize).IncludeSpamTrash(false).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, wrapAPI("list", accountID, err)
	}

	page := &provider.Page{Messages: make([]*model.Message, 0, len(resp.Messages))}
	for _, ref := range resp.Messages {
		msg, err := c.getMessage(ctx, srv, accountID, ref.Id)
		if errors.Is(err, errGone) {
			continue
		}
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, msg)
	}

	if resp.NextPageToken != "" {
		page.NextToken = encodePageToken(historyID, resp.NextPageToken)
		page.HasMore = true
	} else {
		page.SyncToken = strconv.FormatUint(historyID, 10)
	}
	return page, nil
}

// FetchChanges walks every history page after since and returns them as one
// change set whose NextToken is the newest history ID.
func (c *Client) FetchChanges(ctx context.Context, accountID, since string) (*provider.ChangeSet, error) {
	srv, err := c.service(accountID)
	if err != nil {
		return nil, provider.Wrap("history", accountID, err)
	}
	start, err := strconv.ParseUint(since, 10, 64)
	if err != nil {
		// A cursor we cannot read is as good as expired.
		return nil, &provider.ProviderError{Op: "history", AccountID: accountID, Err: provider.ErrTokenExpired}
	}

	set := &provider.ChangeSet{NextToken: since}
	latest := start
	pageToken := ""
	for {
		call := srv.Users.History.List(user).StartHistoryId(start).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, wrapAPI("history", accountID, err)
		}
		for _, h := range resp.History {
			changes, err := c.historyChanges(ctx, srv, accountID, h)
			if err != nil {
				return nil, err
			}
			set.Changes = append(set.Changes, changes...)
		}
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	set.NextToken = strconv.FormatUint(latest, 10)
	return set, nil
}

func (c *Client) historyChanges(ctx context.Context, srv *gmail.Service, accountID string, h *gmail.History) ([]provider.Change, error) {
	var out []provider.Change
	for _, added := range h.MessagesAdded {
		msg, err := c.getMessage(ctx, srv, accountID, added.Message.Id)
		if errors.Is(err, errGone) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, provider.Change{Kind: provider.ChangeAdded, MessageID: msg.ID, Message: msg})
	}
	for _, la := range h.LabelsAdded {
		out = append(out, provider.Change{Kind: provider.ChangeLabels, MessageID: la.Message.Id, Labels: la.Message.LabelIds})
	}
	for _, lr := range h.LabelsRemoved {
		out = append(out, provider.Change{Kind: provider.ChangeLabels, MessageID: lr.Message.Id, Labels: lr.Message.LabelIds})
	}
	for _, d := range h.MessagesDeleted {
		out = append(out, provider.Change{Kind: provider.ChangeDeleted, MessageID: d.Message.Id})
	}
	return out, nil
}

var errGone = errors.New("message no longer exists")

func (c *Client) getMessage(ctx context.Context, srv *gmail.Service, accountID, id string) (*model.Message, error) {
	gm, err := srv.Users.Messages.Get(user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, errGone
		}
		return nil, wrapAPI("get", accountID, err)
	}
	raw, err := base64.URLEncoding.DecodeString(gm.Raw)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(gm.Raw)
	}
	if err != nil {
		return nil, provider.Wrap("decode", accountID, fmt.Errorf("message %s: %w", id, err))
	}

	msg := &model.Message{
		ID:           gm.Id,
		AccountID:    accountID,
		ThreadID:     gm.ThreadId,
		Labels:       gm.LabelIds,
		SizeEstimate: gm.SizeEstimate,
		RawPayload:   raw,
	}
	if gm.InternalDate > 0 {
		msg.ReceivedAt = time.UnixMilli(gm.InternalDate).UTC()
	}
	if err := parseRaw(raw, msg); err != nil {
		c.logger.Warn("Unparseable message, storing raw payload only",
			zap.String("account_id", accountID),
			zap.String("message_id", id),
			zap.Error(err),
		)
	}
	return msg, nil
}

func (c *Client) ModifyLabels(ctx context.Context, accountID, messageID string, add, remove []string) error {
	srv, err := c.service(accountID)
	if err != nil {
		return provider.Wrap("modify", accountID, err)
	}
	req := &gmail.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	if _, err := srv.Users.Messages.Modify(user, messageID, req).Context(ctx).Do(); err != nil {
		return wrapAPI("modify", accountID, err)
	}
	return nil
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// wrapAPI maps a Gmail API failure onto the provider error model. History
// requests answer 404 when the start ID is too old.
func wrapAPI(op, accountID string, err error) error {
	pe := &provider.ProviderError{Op: op, AccountID: accountID, Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.Code
		if op == "history" && apiErr.Code == http.StatusNotFound {
			pe.Err = fmt.Errorf("%w: %v", provider.ErrTokenExpired, err)
		}
	}
	return pe
}
