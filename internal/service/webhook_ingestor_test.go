package service

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
)

const testSecret = "whsec-test"

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event":"new_order"}`)
	sig := Sign(payload, testSecret)

	tests := []struct {
		name      string
		secret    string
		signature string
		want      bool
	}{
		{"valid", testSecret, sig, true},
		{"sha256 prefix", testSecret, "sha256=" + sig, true},
		{"wrong secret", "other", sig, false},
		{"empty secret", "", sig, false},
		{"empty signature", testSecret, "", false},
		{"not hex", testSecret, "zz", false},
		{"tampered", testSecret, Sign([]byte(`{"event":"x"}`), testSecret), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifySignature(payload, tt.secret, tt.signature))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.EventOrderCreated, Classify(models.MarketplaceWildberries, "new_order"))
	assert.Equal(t, models.EventStockUpdated, Classify(models.MarketplaceOzon, "TYPE_STOCKS_CHANGED"))
	assert.Equal(t, models.EventOrderCancelled, Classify(models.MarketplaceYandexMarket, "ORDER_CANCELLATION_REQUEST"))
	assert.Equal(t, models.EventCustom, Classify(models.MarketplaceGoogleShopping, "SOMETHING_NEW"))
	assert.Equal(t, models.EventCustom, Classify(models.MarketplaceWildberries, ""))
}

type ingestFixture struct {
	store    *testStore
	ingestor *WebhookIngestor
	account  *models.MarketplaceAccount
}

func newIngestFixture(t *testing.T) *ingestFixture {
	s := newTestStore(t)
	supplier := "77001"
	account := s.createAccount(t, func(a *models.MarketplaceAccount) { a.ExternalAccountID = &supplier })
	v := vaultOf(map[string]marketplace.Credentials{
		account.ID: {"apiKey": "wb-key", CredentialWebhookSecret: testSecret},
	})
	return &ingestFixture{
		store:    s,
		ingestor: NewWebhookIngestor(s.accounts, s.events, v, logger.NewNop()),
		account:  account,
	}
}

func signed(payload []byte, secret string) http.Header {
	h := http.Header{}
	h.Set("X-Wb-Signature", Sign(payload, secret))
	return h
}

func TestWebhookIngestor_AcceptsSignedEvent(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	payload := []byte(`{"event":"new_order","supplierId":77001,"orderId":"o1"}`)

	res, err := f.ingestor.Ingest(ctx, InboundWebhook{
		Marketplace: models.MarketplaceWildberries,
		Payload:     payload,
		Headers:     signed(payload, testSecret),
	})
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, res.Status)
	assert.Equal(t, models.EventOrderCreated, res.EventType)
	assert.Equal(t, f.account.ID, res.AccountID)

	stored, err := f.store.events.GetByID(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.DirectionInbound, stored.Direction)
	assert.Equal(t, models.WebhookStatusPending, stored.Status)
	require.NotNil(t, stored.AccountID)
	assert.Equal(t, f.account.ID, *stored.AccountID)
	assert.JSONEq(t, string(payload), string(stored.Payload))
}

func TestWebhookIngestor_RejectsBadSignature(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	payload := []byte(`{"event":"new_order","supplierId":"77001"}`)

	_, err := f.ingestor.Ingest(ctx, InboundWebhook{
		Marketplace: models.MarketplaceWildberries,
		Payload:     payload,
		Headers:     signed(payload, "wrong"),
	})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.ingestor.Ingest(ctx, InboundWebhook{
		Marketplace: models.MarketplaceWildberries,
		Payload:     payload,
		Headers:     http.Header{},
	})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	events, err := f.store.events.ListByAccount(ctx, f.account.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWebhookIngestor_GenericSignatureHeader(t *testing.T) {
	f := newIngestFixture(t)
	payload := []byte(`{"event":"stocks_changed","accountId":"` + f.account.ID + `"}`)
	h := http.Header{}
	h.Set("X-Hub-Signature-256", "sha256="+Sign(payload, testSecret))

	res, err := f.ingestor.Ingest(context.Background(), InboundWebhook{
		Marketplace: models.MarketplaceWildberries,
		Payload:     payload,
		Headers:     h,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EventStockUpdated, res.EventType)
}

func TestWebhookIngestor_UnknownAccountIsIgnored(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	payload := []byte(`{"event":"new_order","supplierId":"99999"}`)

	res, err := f.ingestor.Ingest(ctx, InboundWebhook{
		Marketplace: models.MarketplaceWildberries,
		Payload:     payload,
		Headers:     signed(payload, testSecret),
	})
	require.NoError(t, err)
	assert.Equal(t, IngestAccountNotFound, res.Status)
	assert.Empty(t, res.AccountID)

	stored, err := f.store.events.GetByID(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusIgnored, stored.Status)
	assert.Nil(t, stored.AccountID)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, IngestAccountNotFound, *stored.LastError)
}

func TestWebhookIngestor_MatchesAPIKeyAndRedactsIt(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	payload := []byte(`{"event":"something_unmapped"}`)
	h := signed(payload, testSecret)
	h.Set("Authorization", "Bearer wb-key")

	res, err := f.ingestor.Ingest(ctx, InboundWebhook{
		Marketplace: models.MarketplaceWildberries,
		Payload:     payload,
		Headers:     h,
	})
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, res.Status)
	assert.Equal(t, models.EventCustom, res.EventType)
	assert.Equal(t, f.account.ID, res.AccountID)

	stored, err := f.store.events.GetByID(ctx, res.EventID)
	require.NoError(t, err)
	var headers map[string]string
	require.NoError(t, json.Unmarshal(stored.Headers, &headers))
	assert.NotContains(t, headers, "Authorization")
	assert.Contains(t, headers, "X-Wb-Signature")
}

func TestWebhookIngestor_AccountOfOtherMarketplaceDoesNotMatch(t *testing.T) {
	f := newIngestFixture(t)
	payload := []byte(`{"message_type":"TYPE_NEW_POSTING","accountId":"` + f.account.ID + `"}`)
	h := http.Header{}
	h.Set("X-Ozon-Signature", Sign(payload, testSecret))

	res, err := f.ingestor.Ingest(context.Background(), InboundWebhook{
		Marketplace: models.MarketplaceOzon,
		Payload:     payload,
		Headers:     h,
	})
	require.NoError(t, err)
	assert.Equal(t, IngestAccountNotFound, res.Status)
	assert.Equal(t, models.EventOrderCreated, res.EventType)
}

func TestWebhookIngestor_InvalidInput(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	_, err := f.ingestor.Ingest(ctx, InboundWebhook{Marketplace: "etsy", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, marketplace.ErrUnsupportedMarketplace)

	_, err = f.ingestor.Ingest(ctx, InboundWebhook{Marketplace: models.MarketplaceWildberries, Payload: []byte(`[1,2]`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
