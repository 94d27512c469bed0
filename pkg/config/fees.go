package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Fee roles and markets as they appear in the fee table.
const (
	RoleMaker = "MAKER"
	RoleTaker = "TAKER"

	MarketSpot    = "SPOT"
	MarketFutures = "FUTURES"
)

// FeeRates is one maker/taker pair expressed as fractions of notional.
type FeeRates struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// FeeSchedule resolves a fee rate by exchange, market and role. Exchange
// tables fall back to the defaults; a global override beats both.
type FeeSchedule struct {
	Spot      FeeRates
	Futures   FeeRates
	Exchanges map[string]map[string]FeeRates // exchange -> market -> rates

	OverrideMaker decimal.NullDecimal
	OverrideTaker decimal.NullDecimal
}

// Rate returns the fee fraction for one fill.
func (s FeeSchedule) Rate(exchange, market, role string) decimal.Decimal {
	role = strings.ToUpper(role)
	if role == RoleMaker && s.OverrideMaker.Valid {
		return s.OverrideMaker.Decimal
	}
	if role != RoleMaker && s.OverrideTaker.Valid {
		return s.OverrideTaker.Decimal
	}

	market = strings.ToUpper(market)
	rates := s.Futures
	if market == MarketSpot {
		rates = s.Spot
	}
	if byMarket, ok := s.Exchanges[strings.ToLower(exchange)]; ok {
		if r, ok := byMarket[market]; ok {
			rates = r
		}
	}
	if role == RoleMaker {
		return rates.Maker
	}
	return rates.Taker
}

// FeeSchedule builds the schedule from env defaults and the optional YAML file.
func (c *Config) FeeSchedule() (FeeSchedule, error) {
	s := FeeSchedule{
		Spot:          FeeRates{Maker: c.SpotMakerFee, Taker: c.SpotTakerFee},
		Futures:       FeeRates{Maker: c.FuturesMakerFee, Taker: c.FuturesTakerFee},
		Exchanges:     map[string]map[string]FeeRates{},
		OverrideMaker: c.FeeOverrideMaker,
		OverrideTaker: c.FeeOverrideTaker,
	}
	if c.FeeSchedulePath == "" {
		return s, nil
	}
	raw, err := os.ReadFile(c.FeeSchedulePath)
	if err != nil {
		return s, fmt.Errorf("read fee schedule: %w", err)
	}
	if err := ParseFeeSchedule(raw, &s); err != nil {
		return s, fmt.Errorf("parse fee schedule %s: %w", c.FeeSchedulePath, err)
	}
	return s, nil
}

type feeFile struct {
	Override struct {
		Maker string `yaml:"maker"`
		Taker string `yaml:"taker"`
	} `yaml:"override"`
	Exchanges map[string]map[string]struct {
		Maker string `yaml:"maker"`
		Taker string `yaml:"taker"`
	} `yaml:"exchanges"`
}

// ParseFeeSchedule merges a YAML fee table into s. Example:
//
//	override:
//	  taker: "0.0003"
//	exchanges:
//	  binance:
//	    futures: {maker: "0.0002", taker: "0.0004"}
//	    spot: {maker: "0.001", taker: "0.001"}
//
// An env override already set on s wins over the file's override.
func ParseFeeSchedule(raw []byte, s *FeeSchedule) error {
	var f feeFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return err
	}
	if s.Exchanges == nil {
		s.Exchanges = map[string]map[string]FeeRates{}
	}
	for exchange, markets := range f.Exchanges {
		byMarket := map[string]FeeRates{}
		for market, r := range markets {
			maker, err := decimal.NewFromString(r.Maker)
			if err != nil {
				return fmt.Errorf("%s/%s maker: %w", exchange, market, err)
			}
			taker, err := decimal.NewFromString(r.Taker)
			if err != nil {
				return fmt.Errorf("%s/%s taker: %w", exchange, market, err)
			}
			byMarket[strings.ToUpper(market)] = FeeRates{Maker: maker, Taker: taker}
		}
		s.Exchanges[strings.ToLower(exchange)] = byMarket
	}
	if f.Override.Maker != "" && !s.OverrideMaker.Valid {
		v, err := decimal.NewFromString(f.Override.Maker)
		if err != nil {
			return fmt.Errorf("override maker: %w", err)
		}
		s.OverrideMaker = decimal.NewNullDecimal(v)
	}
	if f.Override.Taker != "" && !s.OverrideTaker.Valid {
		v, err := decimal.NewFromString(f.Override.Taker)
		if err != nil {
			return fmt.Errorf("override taker: %w", err)
		}
		s.OverrideTaker = decimal.NewNullDecimal(v)
	}
	return nil
}
