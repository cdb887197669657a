package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v5"
	haclient "github.com/mkelcik/go-ha-client/v2"

	"github.com/njoerd114/taskmirror/internal/model"
)

// RESTClient is the subset of Home Assistant REST operations used by the
// adapter. Defining it as an interface allows mock injection in tests.
type RESTClient interface {
	Ping(ctx context.Context) error
	// CallService POSTs to /api/services/<domain>/<service> without
	// return_response. Used for mutations (add, update, remove).
	CallService(ctx context.Context, domain, service string, body io.Reader) error
	// ServiceResponse POSTs with ?return_response=true and returns the
	// response data for one entity. Used for todo.get_items.
	ServiceResponse(ctx context.Context, domain, service, entityID string, body io.Reader) (json.RawMessage, error)
	// States returns every entity state from /api/states.
	States(ctx context.Context) ([]State, error)
}

// State is the minimal JSON shape of /api/states entries.
type State struct {
	EntityID   string `json:"entity_id"`
	Attributes struct {
		FriendlyName string `json:"friendly_name"`
	} `json:"attributes"`
}

// Entity is a Home Assistant todo entity.
type Entity struct {
	EntityID     string
	FriendlyName string
}

// String returns a human-readable representation.
func (e Entity) String() string {
	if e.FriendlyName != "" {
		return fmt.Sprintf("%s (%s)", e.FriendlyName, e.EntityID)
	}
	return e.EntityID
}

// TodoItem is an item as stored in Home Assistant: its HA-assigned UID and
// the fields HA can represent. Item.ID and the timestamps are left unset.
type TodoItem struct {
	UID  string
	Item model.Item
}

// haClientWrapper wraps [haclient.Client] and adds the plain HTTP calls the
// library does not cover: a CallService that POSTs without ?return_response
// (required for todo.add_item, todo.update_item, todo.remove_item) and the
// /api/states listing.
type haClientWrapper struct {
	client  *haclient.Client
	baseURL string
	token   string
	hc      *http.Client
}

func (w *haClientWrapper) Ping(ctx context.Context) error {
	return w.client.Ping(ctx)
}

// CallService POSTs the body to /api/services/<domain>/<service> without
// appending ?return_response, so HA does not try to return data.
func (w *haClientWrapper) CallService(ctx context.Context, domain, service string, body io.Reader) error {
	endpoint := fmt.Sprintf("%s/api/services/%s/%s",
		strings.TrimRight(w.baseURL, "/"),
		url.PathEscape(domain),
		url.PathEscape(service),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create service request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute service request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return checkStatus(resp)
}

func (w *haClientWrapper) ServiceResponse(ctx context.Context, domain, service, entityID string, body io.Reader) (json.RawMessage, error) {
	resp, err := w.client.CallServiceWithResponse(ctx, domain, service, body)
	if err != nil {
		return nil, err
	}
	raw, ok := resp.ServiceResponse[entityID]
	if !ok {
		return nil, fmt.Errorf("no service response for entity %s", entityID)
	}
	return raw, nil
}

func (w *haClientWrapper) States(ctx context.Context) ([]State, error) {
	endpoint := strings.TrimRight(w.baseURL, "/") + "/api/states"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching HA states: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var states []State
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		return nil, fmt.Errorf("parsing HA states response: %w", err)
	}
	return states, nil
}

// checkStatus maps HA error responses to errors. Client errors are permanent
// and are not retried.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		var br struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&br)
		return backoff.Permanent(errors.New(br.Message))
	case resp.StatusCode == http.StatusUnauthorized:
		return backoff.Permanent(errors.New("HA returned 401 Unauthorized, check ha_token"))
	case resp.StatusCode >= 300:
		return fmt.Errorf("HA returned unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Adapter provides sync-oriented operations on Home Assistant todo lists via
// the REST and WebSocket APIs. Create one with [NewAdapter] or
// [NewAdapterWithClient].
type Adapter struct {
	rest   RESTClient
	ws     *haclient.WSClient
	logger *slog.Logger
}

// NewAdapter creates an Adapter backed by real HA REST and WebSocket clients.
// The WebSocket is configured with unlimited auto-reconnect.
func NewAdapter(haURL, token string, logger *slog.Logger) (*Adapter, error) {
	rest, err := haclient.NewClient(haURL,
		haclient.WithToken(token),
		haclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create HA REST client: %w", err)
	}

	wrapper := &haClientWrapper{
		client:  rest,
		baseURL: haURL,
		token:   token,
		hc:      &http.Client{},
	}

	ws := rest.WS(
		haclient.WithAutoReconnect(true),
		haclient.WithMaxRetries(0), // unlimited retries
		haclient.WithOnReconnect(func() {
			logger.Info("HA WebSocket reconnected")
		}),
		haclient.WithOnReconnectError(func(err error) {
			logger.Error("HA WebSocket reconnect failed", "error", err)
		}),
	)

	return &Adapter{rest: wrapper, ws: ws, logger: logger}, nil
}

// NewAdapterWithClient creates an Adapter with a caller-supplied REST client.
// Intended for testing with a mock [RESTClient]. WebSocket features
// (SubscribeChanges) are unavailable on adapters created this way.
func NewAdapterWithClient(rest RESTClient, logger *slog.Logger) *Adapter {
	return &Adapter{rest: rest, logger: logger}
}

// Ping validates the HA connection and token with retry.
func (a *Adapter) Ping(ctx context.Context) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return a.rest.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("ping HA: %w", err)
	}
	return nil
}

// Connect establishes the WebSocket connection. Must be called before
// [Adapter.SubscribeChanges].
func (a *Adapter) Connect(ctx context.Context) error {
	if a.ws == nil {
		return errors.New("WebSocket client not configured")
	}
	return a.ws.Connect(ctx)
}

// Close shuts down the WebSocket connection gracefully.
func (a *Adapter) Close() error {
	if a.ws == nil {
		return nil
	}
	return a.ws.Close()
}

// ListEntities returns the entities in the "todo" domain, sorted by entity ID.
func (a *Adapter) ListEntities(ctx context.Context) ([]Entity, error) {
	var states []State
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var callErr error
		states, callErr = a.rest.States(ctx)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("list todo entities: %w", err)
	}

	var entities []Entity
	for _, s := range states {
		if strings.HasPrefix(s.EntityID, domainTodo+".") {
			entities = append(entities, Entity{
				EntityID:     s.EntityID,
				FriendlyName: s.Attributes.FriendlyName,
			})
		}
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].EntityID < entities[j].EntityID
	})
	return entities, nil
}

// GetItems fetches all todo items for the given HA entity.
func (a *Adapter) GetItems(ctx context.Context, entityID string) ([]TodoItem, error) {
	data := buildGetItemsData(entityID)

	var raw json.RawMessage
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var callErr error
		raw, callErr = a.rest.ServiceResponse(ctx, domainTodo, serviceGetItems, entityID, serviceBody(data))
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("get items for %s: %w", entityID, err)
	}

	return parseGetItemsResponse(raw, entityID)
}

// AddItem creates a new todo item in the given HA entity. The item's Priority
// is encoded as a description prefix automatically.
func (a *Adapter) AddItem(ctx context.Context, entityID string, item *model.Item) error {
	data := buildAddItemData(entityID, item)
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return a.rest.CallService(ctx, domainTodo, serviceAddItem, serviceBody(data))
	})
	if err != nil {
		return fmt.Errorf("add item %q to %s: %w", item.Name, entityID, err)
	}
	return nil
}

// UpdateItem overwrites the HA item with the given UID.
func (a *Adapter) UpdateItem(ctx context.Context, entityID, uid string, item *model.Item) error {
	data := buildUpdateItemData(entityID, uid, item)
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return a.rest.CallService(ctx, domainTodo, serviceUpdateItem, serviceBody(data))
	})
	if err != nil {
		return fmt.Errorf("update item %q in %s: %w", item.Name, entityID, err)
	}
	return nil
}

// RemoveItem deletes the HA item with the given UID.
func (a *Adapter) RemoveItem(ctx context.Context, entityID, uid string) error {
	data := buildRemoveItemData(entityID, uid)
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return a.rest.CallService(ctx, domainTodo, serviceRemoveItem, serviceBody(data))
	})
	if err != nil {
		return fmt.Errorf("remove item %s from %s: %w", uid, entityID, err)
	}
	return nil
}

// SubscribeChanges starts a WebSocket subscription for state_changed events
// on the given todo entities. When any tracked entity changes, callback is
// invoked with the entity ID. This method blocks until ctx is cancelled.
func (a *Adapter) SubscribeChanges(ctx context.Context, entityIDs []string, callback func(entityID string)) error {
	if a.ws == nil {
		return errors.New("WebSocket client not configured")
	}

	entitySet := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		entitySet[id] = struct{}{}
	}

	sub, err := a.ws.SubscribeEvents(ctx, haclient.EventTypeStateChanged)
	if err != nil {
		return fmt.Errorf("subscribe state_changed: %w", err)
	}
	defer func() { _ = sub.Unsubscribe(context.Background()) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return errors.New("subscription events channel closed")
			}
			data, isStateChanged, parseErr := ev.StateChanged()
			if parseErr != nil {
				a.logger.Debug("failed to parse state_changed event", "error", parseErr)
				continue
			}
			if !isStateChanged {
				continue
			}
			if _, tracked := entitySet[data.EntityID]; tracked {
				a.logger.Debug("tracked entity changed", "entity_id", data.EntityID)
				callback(data.EntityID)
			}
		case subErr, ok := <-sub.Errors():
			if !ok {
				return errors.New("subscription errors channel closed")
			}
			a.logger.Error("subscription error", "error", subErr)
			// Auto-reconnect restores the subscription; just log.
		}
	}
}

// serviceBody marshals data to a JSON [io.Reader] for service calls.
func serviceBody(data map[string]any) io.Reader {
	b, _ := json.Marshal(data) //nolint:errcheck // map[string]any of strings always marshals
	return bytes.NewReader(b)
}

// parseGetItemsResponse extracts todo items from the service response data.
func parseGetItemsResponse(raw json.RawMessage, entityID string) ([]TodoItem, error) {
	var haResp haItemsResponse
	if err := json.Unmarshal(raw, &haResp); err != nil {
		return nil, fmt.Errorf("parse items response for %s: %w", entityID, err)
	}

	items := make([]TodoItem, 0, len(haResp.Items))
	for _, h := range haResp.Items {
		items = append(items, TodoItem{UID: h.UID, Item: haItemToModelItem(h)})
	}
	return items, nil
}
