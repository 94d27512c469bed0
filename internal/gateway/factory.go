package gateway

import (
	"fmt"

	"go.uber.org/zap"

	"position-core/pkg/crypto"
	"position-core/pkg/db"
	futures "position-core/pkg/exchanges/binance/futures_usdt"
	spot "position-core/pkg/exchanges/binance/spot"
	"position-core/pkg/exchanges/common"
)

// Exchange types understood by the default factory.
const (
	ExchangeBinanceFutures = "binance-usdtfut"
	ExchangeBinanceSpot    = "binance-spot"
)

// BinanceFactory creates Binance clients by account exchange type. Testnet
// is forced on when either the account or the process asks for it.
func BinanceFactory(testnet bool, logger *zap.Logger) Factory {
	return func(acct db.Account, creds crypto.Credentials) (common.PositionGateway, error) {
		useTestnet := testnet || acct.Testnet
		switch acct.ExchangeType {
		case ExchangeBinanceFutures:
			return futures.NewClient(futures.Config{
				APIKey:    creds.APIKey,
				APISecret: creds.APISecret,
				Testnet:   useTestnet,
			}, logger), nil
		case ExchangeBinanceSpot:
			return spot.New(spot.Config{
				APIKey:    creds.APIKey,
				APISecret: creds.APISecret,
				Testnet:   useTestnet,
			}, logger), nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedExchange, acct.ExchangeType)
		}
	}
}
