// Package gateway keeps one exchange client per live account.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"position-core/pkg/crypto"
	"position-core/pkg/db"
	"position-core/pkg/exchanges/common"
)

var (
	ErrCredentialsMissing  = errors.New("account has no exchange credentials")
	ErrGatewayUnhealthy    = errors.New("gateway is unhealthy")
	ErrUnsupportedExchange = errors.New("unsupported exchange type")
	ErrPoolFull            = errors.New("gateway pool is full")
)

// Factory creates a gateway for an account from decrypted credentials.
type Factory func(acct db.Account, creds crypto.Credentials) (common.PositionGateway, error)

// AccountSource loads accounts; *db.Queries satisfies it.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (*db.Account, error)
}

// CredentialOpener decrypts stored credentials; *crypto.Keyring satisfies it.
type CredentialOpener interface {
	OpenCredentials(encKey, encSecret string) (crypto.Credentials, error)
}

type cachedGateway struct {
	gateway      common.PositionGateway
	accountID    string
	exchangeType string
	createdAt    time.Time
	lastUsed     time.Time
	lastFailure  time.Time
	failures     int
}

// Config holds pool limits.
type Config struct {
	MaxSize          int           // LRU eviction beyond this
	IdleTimeout      time.Duration // unused gateways are dropped after this
	HealthInterval   time.Duration
	FailureThreshold int           // consecutive failures that open the circuit
	CircuitTimeout   time.Duration // how long an open circuit rejects calls
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager is a pool of gateways keyed by account id with LRU eviction, idle
// cleanup and a per-account circuit breaker.
type Manager struct {
	mu       sync.Mutex
	gateways map[string]*cachedGateway
	lruOrder []string // oldest first

	config   Config
	accounts AccountSource
	keys     CredentialOpener
	factory  Factory
	logger   *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a pool. keys may be nil when credentials are stored
// unencrypted in a development database.
func NewManager(accounts AccountSource, keys CredentialOpener, factory Factory, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gateways: make(map[string]*cachedGateway),
		config:   cfg,
		accounts: accounts,
		keys:     keys,
		factory:  factory,
		logger:   logger.Named("gateway"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs idle cleanup and health checks until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.every(ctx, m.config.IdleTimeout/2, m.cleanupIdle)
	go m.every(ctx, m.config.HealthInterval, m.healthCheckAll)
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func()) {
	defer m.wg.Done()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop ends background work and drops every gateway.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways = make(map[string]*cachedGateway)
	m.lruOrder = nil
}

// Get returns the gateway of a live account, creating it on first use.
func (m *Manager) Get(ctx context.Context, accountID string) (common.PositionGateway, error) {
	m.mu.Lock()
	if cached, ok := m.gateways[accountID]; ok {
		if m.circuitOpenLocked(cached) {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: account %s", ErrGatewayUnhealthy, accountID)
		}
		m.touchLRULocked(accountID)
		m.mu.Unlock()
		return cached.gateway, nil
	}
	m.mu.Unlock()

	acct, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if !acct.HasCredentials() {
		return nil, fmt.Errorf("%w: %s", ErrCredentialsMissing, accountID)
	}

	creds := crypto.Credentials{APIKey: acct.APIKeyEncrypted, APISecret: acct.APISecretEncrypted}
	if m.keys != nil {
		if creds, err = m.keys.OpenCredentials(acct.APIKeyEncrypted, acct.APISecretEncrypted); err != nil {
			return nil, fmt.Errorf("account %s: %w", accountID, err)
		}
	}
	gw, err := m.factory(*acct, creds)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have won the race while we were building.
	if cached, ok := m.gateways[accountID]; ok {
		m.touchLRULocked(accountID)
		return cached.gateway, nil
	}
	if m.config.MaxSize > 0 && len(m.gateways) >= m.config.MaxSize && !m.evictOldestLocked() {
		return nil, ErrPoolFull
	}
	now := time.Now()
	m.gateways[accountID] = &cachedGateway{
		gateway:      gw,
		accountID:    accountID,
		exchangeType: acct.ExchangeType,
		createdAt:    now,
		lastUsed:     now,
	}
	m.lruOrder = append(m.lruOrder, accountID)
	m.logger.Info("gateway created", zap.String("account_id", accountID), zap.String("exchange_type", acct.ExchangeType))
	return gw, nil
}

func (m *Manager) circuitOpenLocked(c *cachedGateway) bool {
	return m.config.FailureThreshold > 0 &&
		c.failures >= m.config.FailureThreshold &&
		time.Since(c.lastFailure) < m.config.CircuitTimeout
}

// Remove drops an account's gateway, e.g. after its credentials changed.
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gateways, accountID)
	m.removeLRULocked(accountID)
}

// RecordFailure counts a failed exchange call.
func (m *Manager) RecordFailure(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[accountID]; ok {
		cached.failures++
		cached.lastFailure = time.Now()
		if cached.failures == m.config.FailureThreshold {
			m.logger.Warn("gateway circuit opened", zap.String("account_id", accountID))
		}
	}
}

// RecordSuccess closes the circuit.
func (m *Manager) RecordSuccess(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[accountID]; ok {
		cached.failures = 0
	}
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways  int            `json:"total_gateways"`
	MaxSize        int            `json:"max_size"`
	ByExchangeType map[string]int `json:"by_exchange_type"`
	UnhealthyCount int            `json:"unhealthy_count"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := PoolStats{
		TotalGateways:  len(m.gateways),
		MaxSize:        m.config.MaxSize,
		ByExchangeType: make(map[string]int),
	}
	for _, cached := range m.gateways {
		stats.ByExchangeType[cached.exchangeType]++
		if m.circuitOpenLocked(cached) {
			stats.UnhealthyCount++
		}
	}
	return stats
}

func (m *Manager) touchLRULocked(accountID string) {
	if cached, ok := m.gateways[accountID]; ok {
		cached.lastUsed = time.Now()
	}
	m.removeLRULocked(accountID)
	m.lruOrder = append(m.lruOrder, accountID)
}

func (m *Manager) removeLRULocked(accountID string) {
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			return
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	delete(m.gateways, oldest)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, cached := range m.gateways {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

// serverTimer is implemented by the Binance clients and doubles as a ping.
type serverTimer interface {
	GetServerTime(ctx context.Context) (int64, error)
}

func (m *Manager) healthCheckAll() {
	m.mu.Lock()
	targets := make(map[string]common.PositionGateway, len(m.gateways))
	for id, cached := range m.gateways {
		targets[id] = cached.gateway
	}
	m.mu.Unlock()

	for id, gw := range targets {
		pinger, ok := gw.(serverTimer)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := pinger.GetServerTime(ctx)
		cancel()
		if err != nil {
			m.RecordFailure(id)
			continue
		}
		m.RecordSuccess(id)
	}
}
