package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/repository"
	"github.com/vipul43/marketsync/internal/vault"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("webhook payload is not a JSON object")
)

// Ingest result statuses
const (
	IngestProcessed       = "processed"
	IngestAccountNotFound = "account_not_found"
)

// CredentialWebhookSecret is the credential field inbound signatures are
// checked against
const CredentialWebhookSecret = "webhookSecret"

// AccountHeader carries our own account id when a marketplace lets the
// seller configure custom headers
const AccountHeader = "X-Marketsync-Account"

type InboundWebhook struct {
	Marketplace models.MarketplaceType
	Payload     []byte
	Headers     http.Header
}

type IngestResult struct {
	Status    string
	EventID   string
	EventType models.WebhookEventType
	AccountID string
}

type webhookProfile struct {
	signatureHeaders []string
	externalIDFields []string
	apiKeyHeaders    []string
	eventField       string
	events           map[string]models.WebhookEventType
}

var genericSignatureHeaders = []string{"X-Signature", "X-Hub-Signature-256"}

var profiles = map[models.MarketplaceType]webhookProfile{
	models.MarketplaceWildberries: {
		signatureHeaders: []string{"X-Wb-Signature"},
		externalIDFields: []string{"supplierId", "supplier_id"},
		apiKeyHeaders:    []string{"Authorization"},
		eventField:       "event",
		events: map[string]models.WebhookEventType{
			"new_order":            models.EventOrderCreated,
			"order_status_changed": models.EventOrderUpdated,
			"order_cancelled":      models.EventOrderCancelled,
			"card_updated":         models.EventProductUpdated,
			"stocks_changed":       models.EventStockUpdated,
			"return_created":       models.EventReturnCreated,
			"finance_report":       models.EventPaymentReceived,
		},
	},
	models.MarketplaceOzon: {
		signatureHeaders: []string{"X-Ozon-Signature"},
		externalIDFields: []string{"seller_id", "company_id"},
		apiKeyHeaders:    []string{"Api-Key"},
		eventField:       "message_type",
		events: map[string]models.WebhookEventType{
			"TYPE_NEW_POSTING":           models.EventOrderCreated,
			"TYPE_POSTING_CANCELLED":     models.EventOrderCancelled,
			"TYPE_STATE_CHANGED":         models.EventOrderUpdated,
			"TYPE_CUTOFF_DATE_CHANGED":   models.EventOrderUpdated,
			"TYPE_DELIVERY_DATE_CHANGED": models.EventOrderUpdated,
			"TYPE_CREATE_OR_UPDATE_ITEM": models.EventProductUpdated,
			"TYPE_PRICE_INDEX_CHANGED":   models.EventProductUpdated,
			"TYPE_STOCKS_CHANGED":        models.EventStockUpdated,
		},
	},
	models.MarketplaceYandexMarket: {
		signatureHeaders: []string{"X-Market-Signature"},
		externalIDFields: []string{"campaignId", "businessId"},
		apiKeyHeaders:    []string{"Api-Key"},
		eventField:       "notificationType",
		events: map[string]models.WebhookEventType{
			"ORDER_CREATED":               models.EventOrderCreated,
			"ORDER_STATUS_UPDATED":        models.EventOrderUpdated,
			"ORDER_CANCELLATION_REQUEST":  models.EventOrderCancelled,
			"ORDER_RETURN_CREATED":        models.EventReturnCreated,
			"ORDER_RETURN_STATUS_UPDATED": models.EventOrderUpdated,
			"GOODS_FEEDBACK_CREATED":      models.EventCustom,
		},
	},
	models.MarketplaceGoogleShopping: {
		signatureHeaders: []string{"X-Goog-Signature"},
		externalIDFields: []string{"merchantId", "merchant_id"},
		eventField:       "eventType",
		events: map[string]models.WebhookEventType{
			"ORDER_CREATED":         models.EventOrderCreated,
			"ORDER_UPDATED":         models.EventOrderUpdated,
			"ORDER_CANCELLED":       models.EventOrderCancelled,
			"PRODUCT_STATUS_CHANGE": models.EventProductUpdated,
			"INVENTORY_UPDATED":     models.EventStockUpdated,
			"RETURN_CREATED":        models.EventReturnCreated,
			"PAYMENT_RECEIVED":      models.EventPaymentReceived,
		},
	},
}

// Classify maps a marketplace event name to the shared vocabulary
func Classify(mp models.MarketplaceType, raw string) models.WebhookEventType {
	if t, ok := profiles[mp].events[raw]; ok {
		return t
	}
	return models.EventCustom
}

// Sign returns the hex HMAC-SHA256 of payload under secret
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex signature, optionally prefixed "sha256=".
// An empty secret never verifies.
func VerifySignature(payload []byte, secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

type WebhookIngestor struct {
	accounts AccountStore
	events   WebhookEventStore
	vault    vault.Vault
	log      logger.Logger
}

func NewWebhookIngestor(accounts AccountStore, events WebhookEventStore, v vault.Vault, log logger.Logger) *WebhookIngestor {
	return &WebhookIngestor{accounts: accounts, events: events, vault: v, log: log}
}

// Ingest verifies and stores one inbound webhook. An unknown account is
// not an error: the event is kept as ignored and the result says so.
func (w *WebhookIngestor) Ingest(ctx context.Context, in InboundWebhook) (*IngestResult, error) {
	if !in.Marketplace.Valid() {
		return nil, fmt.Errorf("%w: %s", marketplace.ErrUnsupportedMarketplace, in.Marketplace)
	}
	ctx = logger.WithMarketplace(ctx, string(in.Marketplace))

	var body map[string]interface{}
	if err := json.Unmarshal(in.Payload, &body); err != nil {
		return nil, ErrInvalidPayload
	}

	profile := profiles[in.Marketplace]
	account, err := w.resolveAccount(ctx, in, profile, body)
	if err != nil {
		return nil, err
	}

	rawType := stringField(body, profile.eventField, "event_type", "type")
	eventType := Classify(in.Marketplace, rawType)

	if account == nil {
		reason := IngestAccountNotFound
		event := w.newEvent(in, nil, eventType, models.WebhookStatusIgnored)
		event.LastError = &reason
		if err := w.events.Create(ctx, event); err != nil {
			return nil, err
		}
		w.log.Warnf(ctx, "Webhook %s for unknown account stored as ignored", rawType)
		return &IngestResult{Status: IngestAccountNotFound, EventID: event.ID, EventType: eventType}, nil
	}
	ctx = logger.WithAccountID(ctx, account.ID)

	creds, err := w.vault.Decrypt(ctx, account)
	if err != nil {
		w.log.Warnf(ctx, "Cannot open credentials to verify webhook: %v", err)
		return nil, ErrInvalidSignature
	}
	signature := headerValue(in.Headers, append(profile.signatureHeaders, genericSignatureHeaders...))
	if !VerifySignature(in.Payload, creds.Get(CredentialWebhookSecret), signature) {
		w.log.Warnf(ctx, "Rejected webhook with bad signature")
		return nil, ErrInvalidSignature
	}

	accountID := account.ID
	event := w.newEvent(in, &accountID, eventType, models.WebhookStatusPending)
	if err := w.events.Create(ctx, event); err != nil {
		return nil, err
	}

	w.log.Infof(ctx, "Accepted webhook %s as %s", rawType, eventType)
	return &IngestResult{Status: IngestProcessed, EventID: event.ID, EventType: eventType, AccountID: account.ID}, nil
}

// resolveAccount tries our own id, then the marketplace's seller id, then
// the API key the marketplace sent. nil, nil means no account matched.
func (w *WebhookIngestor) resolveAccount(ctx context.Context, in InboundWebhook, profile webhookProfile, body map[string]interface{}) (*models.MarketplaceAccount, error) {
	if id := firstNonEmpty(in.Headers.Get(AccountHeader), stringField(body, "accountId", "account_id")); id != "" {
		account, err := w.accounts.GetByID(ctx, id)
		switch {
		case err == nil && account.Marketplace == in.Marketplace:
			return account, nil
		case err != nil && !errors.Is(err, repository.ErrAccountNotFound):
			return nil, err
		}
	}

	if ext := stringField(body, profile.externalIDFields...); ext != "" {
		account, err := w.accounts.FindByExternalID(ctx, in.Marketplace, ext)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return nil, err
		}
	}

	key := strings.TrimPrefix(headerValue(in.Headers, append(profile.apiKeyHeaders, "X-Api-Key")), "Bearer ")
	if key == "" {
		key = stringField(body, "api_key", "apiKey")
	}
	if key == "" {
		return nil, nil
	}
	return w.matchAPIKey(ctx, in.Marketplace, key)
}

func (w *WebhookIngestor) matchAPIKey(ctx context.Context, mp models.MarketplaceType, key string) (*models.MarketplaceAccount, error) {
	accounts, err := w.accounts.ListByMarketplace(ctx, mp)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		creds, err := w.vault.Decrypt(ctx, &accounts[i])
		if err != nil {
			continue
		}
		for _, field := range []string{"apiKey", "oauthToken"} {
			stored := creds.Get(field)
			if stored != "" && hmac.Equal([]byte(stored), []byte(key)) {
				return &accounts[i], nil
			}
		}
	}
	return nil, nil
}

var redactedHeaders = map[string]bool{
	"Authorization": true,
	"Api-Key":       true,
	"X-Api-Key":     true,
	"Cookie":        true,
}

func (w *WebhookIngestor) newEvent(in InboundWebhook, accountID *string, eventType models.WebhookEventType, status models.WebhookStatus) *models.WebhookEvent {
	headers := make(map[string]string, len(in.Headers))
	for k := range in.Headers {
		if redactedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		headers[k] = in.Headers.Get(k)
	}
	rawHeaders, _ := json.Marshal(headers)

	return &models.WebhookEvent{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Marketplace: in.Marketplace,
		Direction:   models.DirectionInbound,
		EventType:   eventType,
		Status:      status,
		Payload:     datatypes.JSON(in.Payload),
		Headers:     datatypes.JSON(rawHeaders),
	}
}

func headerValue(h http.Header, names []string) string {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// stringField returns the first non-empty field, printing numbers without
// a fraction so numeric seller ids match stored ones
func stringField(body map[string]interface{}, fields ...string) string {
	for _, f := range fields {
		if f == "" {
			continue
		}
		switch v := body[f].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
