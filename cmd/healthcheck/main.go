// Command healthcheck checks the dependencies of a running position engine
// and exits non-zero when any of them is unhealthy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"position-core/pkg/cache"
	"position-core/pkg/config"
	"position-core/pkg/crypto"
	"position-core/pkg/db"
	marketbinance "position-core/pkg/market/binance"
)

const (
	healthy   = "HEALTHY"
	degraded  = "DEGRADED"
	unhealthy = "UNHEALTHY"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

var requiredTables = []string{
	"accounts", "positions", "external_positions", "virtual_orders", "trades", "signals", "sync_reports",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{Overall: healthy}
	report.Services = append(report.Services,
		checkDatabase(ctx, cfg),
		checkKeyring(),
		checkMarketData(ctx, cfg),
		checkRedis(ctx, cfg),
		checkAPIServer(ctx, cfg),
	)
	for _, svc := range report.Services {
		if svc.Status == unhealthy {
			report.Overall = unhealthy
			break
		}
		if svc.Status == degraded {
			report.Overall = degraded
		}
	}

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	} else {
		for _, svc := range report.Services {
			icon := "✓"
			switch svc.Status {
			case unhealthy:
				icon = "✗"
			case degraded:
				icon = "⚠"
			}
			fmt.Printf("%s %-14s %-9s %s\n", icon, svc.Service, svc.Status, svc.Message)
		}
		fmt.Printf("\nOverall Status: %s\n", report.Overall)
	}

	if report.Overall == unhealthy {
		os.Exit(1)
	}
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: healthy, Timestamp: time.Now()}
}

// checkDatabase opens the store and verifies every table exists.
func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Database")
	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status, status.Message = unhealthy, fmt.Sprintf("open failed: %v", err)
		return status
	}
	defer database.Close()

	var missing []string
	for _, table := range requiredTables {
		var name string
		err := database.DB.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		status.Status, status.Message = unhealthy, fmt.Sprintf("missing tables %v", missing)
		return status
	}
	status.Message = cfg.DBPath
	return status
}

func checkKeyring() HealthStatus {
	status := newStatus("Keyring")
	if _, err := crypto.KeyringFromEnv(); err != nil {
		status.Status, status.Message = degraded, fmt.Sprintf("exchange sync disabled: %v", err)
		return status
	}
	status.Message = "credentials can be opened"
	return status
}

func checkMarketData(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Binance")
	client := marketbinance.NewMarketDataClient(cfg.BinanceTestnet, true)
	serverTime, err := client.ServerTime(ctx)
	if err != nil {
		status.Status, status.Message = degraded, fmt.Sprintf("unreachable: %v", err)
		if !cfg.UseMockFeed {
			status.Status = unhealthy
		}
		return status
	}
	network := "MAINNET"
	if cfg.BinanceTestnet {
		network = "TESTNET"
	}
	status.Message = fmt.Sprintf("%s, clock skew %dms", network, serverTime-time.Now().UnixMilli())
	return status
}

func checkRedis(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Redis")
	if cfg.RedisAddr == "" {
		status.Message = "not configured"
		return status
	}
	rdb, err := cache.NewRedisClient(ctx, cache.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		status.Status, status.Message = degraded, err.Error()
		return status
	}
	_ = rdb.Close()
	status.Message = cfg.RedisAddr
	return status
}

// checkAPIServer reads the running instance's status endpoint.
func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("API Server")
	url := fmt.Sprintf("http://localhost:%s/api/system/status", cfg.Port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status, status.Message = unhealthy, err.Error()
		return status
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status, status.Message = unhealthy, fmt.Sprintf("not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		status.Status, status.Message = degraded, fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	var body struct {
		Uptime         string `json:"uptime"`
		OpenPositions  int    `json:"open_positions"`
		PendingEscorts int    `json:"pending_escorts"`
		LastSync       *struct {
			Errors map[string]string `json:"errors"`
		} `json:"last_sync"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		status.Status, status.Message = degraded, fmt.Sprintf("bad status body: %v", err)
		return status
	}
	status.Message = fmt.Sprintf("up %s, %d open, %d awaiting escort", body.Uptime, body.OpenPositions, body.PendingEscorts)
	if body.LastSync != nil && len(body.LastSync.Errors) > 0 {
		status.Status = degraded
		status.Message += fmt.Sprintf(", last sync had %d account errors", len(body.LastSync.Errors))
	}
	return status
}
