package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"position-core/pkg/crypto"
	"position-core/pkg/db"
	"position-core/pkg/exchanges/common"
)

type stubGateway struct{ id string }

func (s *stubGateway) GetFuturesPositions(ctx context.Context) ([]common.ExchangePosition, error) {
	return nil, nil
}
func (s *stubGateway) GetSpotPositions(ctx context.Context) ([]common.ExchangePosition, error) {
	return nil, common.ErrNotSupported
}
func (s *stubGateway) ClosePosition(ctx context.Context, req common.ClosePositionRequest) (common.OrderResult, error) {
	return common.OrderResult{}, nil
}
func (s *stubGateway) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	return common.Ticker{Symbol: symbol, LastPrice: decimal.NewFromInt(1)}, nil
}

type accounts map[string]*db.Account

func (a accounts) GetAccount(ctx context.Context, id string) (*db.Account, error) {
	if acct, ok := a[id]; ok {
		return acct, nil
	}
	return nil, db.ErrNotFound
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *int) {
	t.Helper()
	keyring, err := crypto.NewKeyring(map[int][]byte{1: make([]byte, crypto.KeySize)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	key, _ := keyring.Seal("api-key")
	secret, _ := keyring.Seal("api-secret")

	src := accounts{
		"live-1": {ID: "live-1", ExchangeType: ExchangeBinanceFutures, IsActive: true, APIKeyEncrypted: key, APISecretEncrypted: secret},
		"live-2": {ID: "live-2", ExchangeType: ExchangeBinanceFutures, IsActive: true, APIKeyEncrypted: key, APISecretEncrypted: secret},
		"bare":   {ID: "bare", ExchangeType: ExchangeBinanceFutures, IsActive: true},
	}
	built := 0
	factory := func(acct db.Account, creds crypto.Credentials) (common.PositionGateway, error) {
		if creds.APIKey != "api-key" || creds.APISecret != "api-secret" {
			t.Errorf("credentials not decrypted: %+v", creds)
		}
		built++
		return &stubGateway{id: acct.ID}, nil
	}
	return NewManager(src, keyring, factory, cfg, nil), &built
}

func TestGetCachesPerAccount(t *testing.T) {
	m, built := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	g1, err := m.Get(ctx, "live-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	g2, _ := m.Get(ctx, "live-1")
	if g1 != g2 || *built != 1 {
		t.Errorf("gateway rebuilt: built=%d", *built)
	}
}

func TestGetWithoutCredentials(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	if _, err := m.Get(context.Background(), "bare"); !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("expected ErrCredentialsMissing, got %v", err)
	}
}

func TestLRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	m, built := newTestManager(t, cfg)
	ctx := context.Background()

	_, _ = m.Get(ctx, "live-1")
	_, _ = m.Get(ctx, "live-2")
	if s := m.Stats(); s.TotalGateways != 1 {
		t.Errorf("pool size = %d, want 1", s.TotalGateways)
	}
	_, _ = m.Get(ctx, "live-1")
	if *built != 3 {
		t.Errorf("evicted gateway should be rebuilt, built=%d", *built)
	}
}

func TestCircuitBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.CircuitTimeout = time.Hour
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	if _, err := m.Get(ctx, "live-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	m.RecordFailure("live-1")
	m.RecordFailure("live-1")
	if _, err := m.Get(ctx, "live-1"); !errors.Is(err, ErrGatewayUnhealthy) {
		t.Fatalf("expected ErrGatewayUnhealthy, got %v", err)
	}
	if s := m.Stats(); s.UnhealthyCount != 1 {
		t.Errorf("unhealthy = %d", s.UnhealthyCount)
	}
	m.RecordSuccess("live-1")
	if _, err := m.Get(ctx, "live-1"); err != nil {
		t.Errorf("circuit not closed after success: %v", err)
	}
}

func TestBinanceFactoryRejectsUnknownType(t *testing.T) {
	f := BinanceFactory(true, nil)
	if _, err := f(db.Account{ExchangeType: "kraken"}, crypto.Credentials{}); !errors.Is(err, ErrUnsupportedExchange) {
		t.Fatalf("expected ErrUnsupportedExchange, got %v", err)
	}
	gw, err := f(db.Account{ExchangeType: ExchangeBinanceSpot}, crypto.Credentials{APIKey: "k", APISecret: "s"})
	if err != nil || gw == nil {
		t.Fatalf("spot gateway: %v", err)
	}
}
