// Package donneur is the client data layer for the donneur donation network.
//
// It keeps chat, feed and comment screens responsive by applying the user's
// edits locally first and folding real-time store changes in without losing
// them, and it wraps the donneur REST backend for accounts and transfers.
//
// Example:
//
//	session, _ := donneur.NewSession(donneur.User{ID: uid, DisplayName: "Ana"}, token)
//	defer session.Close()
//
//	feed := donneur.NewFeed(session, store)
//	_ = feed.Open(ctx)
//	post, _ := feed.Publish(ctx, "Winter coats needed", "")
//	feed.ToggleLike(ctx, post.ID)
//
//	api := session.Client(donneur.WithBaseURL("https://api.donneur.ca"))
//	txs, _ := api.Transactions.List(ctx)
package donneur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.donneur.ca"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the donneur REST backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	Auth          *AuthClient
	Receivers     *ReceiversClient
	Transactions  *TransactionsClient
	Friends       *FriendsClient
	Feed          *FeedClient
	Organizations *OrganizationsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client that authenticates with the bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	c.Auth = &AuthClient{c}
	c.Receivers = &ReceiversClient{c}
	c.Transactions = &TransactionsClient{c}
	c.Friends = &FriendsClient{c}
	c.Feed = &FeedClient{c}
	c.Organizations = &OrganizationsClient{c}
	return c
}

// SetToken replaces the bearer token, e.g. after the auth provider refreshed it.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs the call and turns non-2xx replies into *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("api_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	// some endpoints answer 200 with {"error": ...}
	var errBody struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
		return nil, &APIError{Status: resp.StatusCode, Message: errBody.Error}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

type AuthClient struct{ c *Client }

// Authenticate resolves the bearer token to the signed-in account.
func (a *AuthClient) Authenticate(ctx context.Context) (*AuthInfo, error) {
	data, err := a.c.doRequest(ctx, "GET", "/authenticate", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthInfo](data)
}

// ============================================================================
// Receivers
// ============================================================================

type ReceiversClient struct{ c *Client }

// Create registers a receiver and returns its id.
func (r *ReceiversClient) Create(ctx context.Context, in NewReceiver) (string, error) {
	if in.FirstName == "" || in.LastName == "" || in.DOB == "" {
		return "", fmt.Errorf("receiver needs first name, last name and date of birth")
	}
	data, err := r.c.doRequest(ctx, "POST", "/receiver/create", in, nil)
	if err != nil {
		return "", err
	}
	out, err := decodeJSON[struct {
		ReceiverID string `json:"receiver_id"`
	}](data)
	if err != nil {
		return "", err
	}
	return out.ReceiverID, nil
}

func (r *ReceiversClient) SetEmail(ctx context.Context, receiverID, email string) error {
	_, err := r.c.doRequest(ctx, "POST", "/receiver/set_email", map[string]string{
		"receiver_id": receiverID,
		"email":       email,
	}, nil)
	return err
}

// Get returns the signed-in receiver.
func (r *ReceiversClient) Get(ctx context.Context) (*Receiver, error) {
	data, err := r.c.doRequest(ctx, "GET", "/receiver/get", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Receiver](data)
}

func (r *ReceiversClient) Balance(ctx context.Context) (float64, error) {
	data, err := r.c.doRequest(ctx, "GET", "/receiver/balance", nil, nil)
	if err != nil {
		return 0, err
	}
	out, err := decodeJSON[Balance](data)
	if err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// DonationProfile is public; it backs the page donors land on from a QR code.
func (r *ReceiversClient) DonationProfile(ctx context.Context, receiverID string) (*DonationProfile, error) {
	data, err := r.c.doRequest(ctx, "GET", "/receiver/donation_profile", nil, map[string]string{"receiver_id": receiverID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[DonationProfile](data)
}

// IDProfile is what an organization checks before handing out a withdrawal.
func (r *ReceiversClient) IDProfile(ctx context.Context, receiverID string) (*IDProfile, error) {
	data, err := r.c.doRequest(ctx, "GET", "/receiver/id_profile", nil, map[string]string{"receiver_id": receiverID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[IDProfile](data)
}

// ============================================================================
// Transactions
// ============================================================================

type TransactionsClient struct{ c *Client }

// List returns the signed-in user's transactions, newest first.
func (t *TransactionsClient) List(ctx context.Context) ([]Transaction, error) {
	data, err := t.c.doRequest(ctx, "GET", "/transaction/get", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[struct {
		Transactions []Transaction `json:"transactions"`
	}](data)
	if err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Send moves funds to another receiver.
func (t *TransactionsClient) Send(ctx context.Context, receiverID string, amount float64) error {
	return t.transfer(ctx, "/transaction/send", receiverID, amount)
}

// Withdraw records a withdrawal at an organization.
func (t *TransactionsClient) Withdraw(ctx context.Context, receiverID string, amount float64) error {
	return t.transfer(ctx, "/transaction/withdraw", receiverID, amount)
}

func (t *TransactionsClient) transfer(ctx context.Context, path, receiverID string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := t.c.doRequest(ctx, "POST", path, TransferRequest{ReceiverID: receiverID, Amount: amount}, nil)
	return err
}

// ============================================================================
// Friends
// ============================================================================

type FriendsClient struct{ c *Client }

func (f *FriendsClient) List(ctx context.Context) ([]Friend, error) {
	data, err := f.c.doRequest(ctx, "GET", "/friend/get", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Friend](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (f *FriendsClient) Add(ctx context.Context, friendID string) error {
	_, err := f.c.doRequest(ctx, "POST", "/friend/add", map[string]string{"friend_id": friendID}, nil)
	return err
}

func (f *FriendsClient) Remove(ctx context.Context, friendID string) error {
	_, err := f.c.doRequest(ctx, "POST", "/friend/remove", map[string]string{"friend_id": friendID}, nil)
	return err
}

// Reply accepts or declines a pending friend request.
func (f *FriendsClient) Reply(ctx context.Context, friendshipID string, accept bool) error {
	_, err := f.c.doRequest(ctx, "POST", "/friend/reply", map[string]any{
		"friendship_id": friendshipID,
		"accept":        accept,
	}, nil)
	return err
}

// ============================================================================
// Feed (REST)
// ============================================================================

// FeedClient is the backend's feed API. Interactive screens use Feed on the
// document store instead.
type FeedClient struct{ c *Client }

func (f *FeedClient) List(ctx context.Context) ([]FeedPost, error) {
	data, err := f.c.doRequest(ctx, "GET", "/feed", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]FeedPost](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Get returns a single post.
func (f *FeedClient) Get(ctx context.Context, postID string) (*FeedPost, error) {
	data, err := f.c.doRequest(ctx, "GET", "/feed/get_post", nil, map[string]string{"post_id": postID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[FeedPost](data)
}

// UserPosts returns the signed-in user's own posts, newest first.
func (f *FeedClient) UserPosts(ctx context.Context) ([]FeedPost, error) {
	data, err := f.c.doRequest(ctx, "GET", "/feed/get_user_posts", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[struct {
		Posts json.RawMessage `json:"posts"`
	}](data)
	if err != nil {
		return nil, err
	}
	posts, err := decodeKeyed(out.Posts, func(p *FeedPost, id string) {
		if p.ID == "" {
			p.ID = id
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(posts, func(i, j int) bool { return posts[i].CreatedAt > posts[j].CreatedAt })
	return posts, nil
}

// Create publishes a post and returns its id.
func (f *FeedClient) Create(ctx context.Context, content map[string]any, visibility string) (string, error) {
	return f.write(ctx, "/feed/create", map[string]any{"content": content, "visibility": visibility})
}

// Reply answers a post and returns the id of the reply.
func (f *FeedClient) Reply(ctx context.Context, postID string, content map[string]any, visibility string) (string, error) {
	return f.write(ctx, "/feed/reply", map[string]any{"post_id": postID, "content": content, "visibility": visibility})
}

func (f *FeedClient) Delete(ctx context.Context, postID string) error {
	_, err := f.c.doRequest(ctx, "POST", "/feed/delete", map[string]any{"post_id": postID}, nil)
	return err
}

func (f *FeedClient) write(ctx context.Context, path string, body map[string]any) (string, error) {
	if vis, _ := body["visibility"].(string); vis == "" {
		body["visibility"] = "public"
	}
	data, err := f.c.doRequest(ctx, "POST", path, body, nil)
	if err != nil {
		return "", err
	}
	out, err := decodeJSON[struct {
		Post string `json:"post"`
	}](data)
	if err != nil {
		return "", err
	}
	return out.Post, nil
}

// ============================================================================
// Organizations
// ============================================================================

// OrganizationsClient lists the shelters and other organizations receivers
// can withdraw at. It needs no token.
type OrganizationsClient struct{ c *Client }

// List returns every organization ordered by name.
func (o *OrganizationsClient) List(ctx context.Context) ([]Organization, error) {
	data, err := o.c.doRequest(ctx, "GET", "/organization/get", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[struct {
		Shelters json.RawMessage `json:"shelters"`
	}](data)
	if err != nil {
		return nil, err
	}
	orgs, err := decodeKeyed(out.Shelters, func(org *Organization, id string) { org.ID = id })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(orgs, func(i, j int) bool { return orgs[i].Name < orgs[j].Name })
	return orgs, nil
}

// Get returns one organization.
func (o *OrganizationsClient) Get(ctx context.Context, id string) (*Organization, error) {
	data, err := o.c.doRequest(ctx, "GET", "/organization/get", nil, map[string]string{"id": id})
	if err != nil {
		return nil, err
	}
	org, err := decodeJSON[Organization](data)
	if err != nil {
		return nil, err
	}
	if org.ID == "" {
		org.ID = id
	}
	return org, nil
}

// decodeKeyed accepts both a JSON array and an object keyed by id, which the
// backend returns for realtime-database collections. setID is called with
// the key of every object entry.
func decodeKeyed[T any](raw json.RawMessage, setID func(*T, string)) ([]T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []T
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var keyed map[string]T
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	out := make([]T, 0, len(keyed))
	for id, v := range keyed {
		setID(&v, id)
		out = append(out, v)
	}
	return out, nil
}
