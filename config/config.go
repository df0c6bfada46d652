package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"moneymarket/crypto"
	"moneymarket/native/lending"

	"github.com/BurntSushi/toml"
)

// DefaultTicksPerYear converts annual model rates when the book leaves the
// field empty. One tick per second.
const DefaultTicksPerYear = 365 * 24 * 60 * 60

// MarketBook is the operator's declarative description of a money market.
type MarketBook struct {
	Admin        string         `toml:"Admin"`
	Treasury     string         `toml:"Treasury"`
	CloseFactor  string         `toml:"CloseFactor"`
	TicksPerYear uint64         `toml:"TicksPerYear"`
	Markets      []MarketConfig `toml:"market"`
}

// MarketConfig lists one market with its interest model and risk parameters.
// Decimal fields are strings such as "0.75".
type MarketConfig struct {
	Asset               string         `toml:"Asset"`
	Decimals            uint8          `toml:"Decimals"`
	InitialExchangeRate string         `toml:"InitialExchangeRate"`
	ReserveFactor       string         `toml:"ReserveFactor"`
	InsuranceFactor     string         `toml:"InsuranceFactor"`
	FlashFeeRate        string         `toml:"FlashFeeRate"`
	FlashProtocolShare  string         `toml:"FlashProtocolShare"`
	Price               string         `toml:"Price"`
	Interest            InterestConfig `toml:"interest"`
	Risk                RiskConfig     `toml:"risk"`
}

// InterestConfig holds annual kinked-model parameters.
type InterestConfig struct {
	BaseRate string `toml:"BaseRate"`
	Slope1   string `toml:"Slope1"`
	Slope2   string `toml:"Slope2"`
	Kink     string `toml:"Kink"`
}

// RiskConfig mirrors lending.RiskConfig in decimal-string form.
type RiskConfig struct {
	CanBeCollateral      bool   `toml:"CanBeCollateral"`
	CollateralFactor     string `toml:"CollateralFactor"`
	LiquidationThreshold string `toml:"LiquidationThreshold"`
	LiquidationBonus     string `toml:"LiquidationBonus"`
	PriceFeedID          string `toml:"PriceFeedID"`
}

// LoadMarketBook reads and validates a TOML market book.
func LoadMarketBook(path string) (*MarketBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read market book: %w", err)
	}
	book, err := ParseMarketBook(string(data))
	if err != nil {
		return nil, fmt.Errorf("market book %s: %w", path, err)
	}
	return book, nil
}

// ParseMarketBook decodes a TOML document. Unknown keys are rejected so typos
// in risk parameters cannot silently fall back to zero.
func ParseMarketBook(data string) (*MarketBook, error) {
	book := &MarketBook{}
	meta, err := toml.Decode(data, book)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	book.normalize()
	if err := book.Validate(); err != nil {
		return nil, err
	}
	return book, nil
}

func (b *MarketBook) normalize() {
	if b.TicksPerYear == 0 {
		b.TicksPerYear = DefaultTicksPerYear
	}
	if strings.TrimSpace(b.CloseFactor) == "" {
		b.CloseFactor = "0.5"
	}
	for i := range b.Markets {
		m := &b.Markets[i]
		m.Asset = strings.ToUpper(strings.TrimSpace(m.Asset))
		if strings.TrimSpace(m.Risk.PriceFeedID) == "" {
			m.Risk.PriceFeedID = m.Asset + "/USD"
		}
	}
}

// Validate checks addresses and every numeric bound the registry enforces so
// a bad book fails before anything is written.
func (b *MarketBook) Validate() error {
	if _, err := b.AdminAddress(); err != nil {
		return err
	}
	if _, err := b.TreasuryAddress(); err != nil {
		return err
	}
	closeFactor, err := lending.ParseWad(b.CloseFactor)
	if err != nil {
		return fmt.Errorf("CloseFactor: %w", err)
	}
	if closeFactor.Sign() <= 0 || closeFactor.Cmp(lending.Wad) > 0 {
		return fmt.Errorf("CloseFactor must be in (0, 1]")
	}
	seen := make(map[string]bool, len(b.Markets))
	for i := range b.Markets {
		m := &b.Markets[i]
		if m.Asset == "" {
			return fmt.Errorf("market[%d]: Asset required", i)
		}
		if seen[m.Asset] {
			return fmt.Errorf("market %s: listed twice", m.Asset)
		}
		seen[m.Asset] = true
		if _, err := m.Params(); err != nil {
			return fmt.Errorf("market %s: %w", m.Asset, err)
		}
		if _, err := m.Model(b.TicksPerYear); err != nil {
			return fmt.Errorf("market %s: %w", m.Asset, err)
		}
		if _, err := m.RiskConfig(); err != nil {
			return fmt.Errorf("market %s: %w", m.Asset, err)
		}
		if _, err := m.StaticPrice(); err != nil {
			return fmt.Errorf("market %s: %w", m.Asset, err)
		}
	}
	return nil
}

// AdminAddress decodes the operator address.
func (b *MarketBook) AdminAddress() (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(b.Admin))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("Admin: %w", err)
	}
	return addr, nil
}

// TreasuryAddress decodes the treasury. An empty treasury folds insurance
// into reserves.
func (b *MarketBook) TreasuryAddress() (crypto.Address, error) {
	if strings.TrimSpace(b.Treasury) == "" {
		return crypto.Address{}, nil
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(b.Treasury))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("Treasury: %w", err)
	}
	return addr, nil
}

// Params converts the listing parameters to wad form.
func (m MarketConfig) Params() (lending.MarketParams, error) {
	params := lending.MarketParams{Asset: m.Asset, Decimals: m.Decimals}
	var err error
	if params.InitialExchangeRate, err = optionalWad("InitialExchangeRate", m.InitialExchangeRate, lending.Wad); err != nil {
		return params, err
	}
	if params.InitialExchangeRate.Sign() <= 0 {
		return params, fmt.Errorf("InitialExchangeRate must be positive")
	}
	fractions := []struct {
		name  string
		value string
		dst   **big.Int
	}{
		{"ReserveFactor", m.ReserveFactor, &params.ReserveFactor},
		{"InsuranceFactor", m.InsuranceFactor, &params.InsuranceFactor},
		{"FlashFeeRate", m.FlashFeeRate, &params.FlashFeeRate},
		{"FlashProtocolShare", m.FlashProtocolShare, &params.FlashProtocolShare},
	}
	for _, f := range fractions {
		v, err := optionalWad(f.name, f.value, big.NewInt(0))
		if err != nil {
			return params, err
		}
		if v.Cmp(lending.Wad) > 0 {
			return params, fmt.Errorf("%s must be at most 1", f.name)
		}
		*f.dst = v
	}
	if new(big.Int).Add(params.ReserveFactor, params.InsuranceFactor).Cmp(lending.Wad) > 0 {
		return params, fmt.Errorf("ReserveFactor + InsuranceFactor must be at most 1")
	}
	return params, nil
}

// Model builds the kinked interest model for the market.
func (m MarketConfig) Model(ticksPerYear uint64) (*lending.KinkedRateModel, error) {
	orZero := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "0"
		}
		return strings.TrimSpace(s)
	}
	return lending.NewKinkedRateModel(orZero(m.Interest.BaseRate), orZero(m.Interest.Slope1),
		orZero(m.Interest.Slope2), orZero(m.Interest.Kink), ticksPerYear)
}

// RiskConfig converts and validates the risk block.
func (m MarketConfig) RiskConfig() (*lending.RiskConfig, error) {
	cfg := &lending.RiskConfig{
		CanBeCollateral: m.Risk.CanBeCollateral,
		PriceFeedID:     strings.TrimSpace(m.Risk.PriceFeedID),
		Decimals:        m.Decimals,
	}
	var err error
	if cfg.CollateralFactor, err = optionalWad("CollateralFactor", m.Risk.CollateralFactor, big.NewInt(0)); err != nil {
		return nil, err
	}
	if cfg.LiquidationThreshold, err = optionalWad("LiquidationThreshold", m.Risk.LiquidationThreshold, big.NewInt(0)); err != nil {
		return nil, err
	}
	if cfg.LiquidationBonus, err = optionalWad("LiquidationBonus", m.Risk.LiquidationBonus, big.NewInt(0)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StaticPrice returns the configured USD price, or nil when the market is
// priced by an external feed.
func (m MarketConfig) StaticPrice() (*big.Int, error) {
	if strings.TrimSpace(m.Price) == "" {
		return nil, nil
	}
	price, err := lending.ParseWad(m.Price)
	if err != nil {
		return nil, fmt.Errorf("Price: %w", err)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("Price must be positive")
	}
	return price, nil
}

// StaticFeed returns a feed holding every configured static price.
func (b *MarketBook) StaticFeed() *lending.StaticPriceFeed {
	feed := lending.NewStaticPriceFeed()
	for _, m := range b.Markets {
		if price, err := m.StaticPrice(); err == nil && price != nil {
			feed.SetPrice(m.Risk.PriceFeedID, price)
		}
	}
	return feed
}

// Apply initialises the registry if needed, lists every market not yet
// listed and attaches interest models to all of them. Markets already on
// disk keep their persisted parameters.
func (b *MarketBook) Apply(reg *lending.Registry) (listed []string, err error) {
	admin, err := b.AdminAddress()
	if err != nil {
		return nil, err
	}
	treasury, err := b.TreasuryAddress()
	if err != nil {
		return nil, err
	}
	closeFactor, err := lending.ParseWad(b.CloseFactor)
	if err != nil {
		return nil, err
	}
	if err := reg.Initialize(admin, treasury, closeFactor); err != nil && !errors.Is(err, lending.ErrAlreadyInitialized) {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	for _, m := range b.Markets {
		model, err := m.Model(b.TicksPerYear)
		if err != nil {
			return listed, err
		}
		if _, err := reg.Ledger(m.Asset); err == nil {
			if err := reg.SetInterestModel(m.Asset, model); err != nil {
				return listed, fmt.Errorf("market %s: %w", m.Asset, err)
			}
			continue
		} else if !errors.Is(err, lending.ErrMarketNotListed) {
			return listed, err
		}
		params, err := m.Params()
		if err != nil {
			return listed, err
		}
		risk, err := m.RiskConfig()
		if err != nil {
			return listed, err
		}
		if err := reg.ListMarket(admin, params, model); err != nil {
			return listed, fmt.Errorf("list %s: %w", m.Asset, err)
		}
		if err := reg.SetRiskConfig(admin, m.Asset, risk); err != nil {
			return listed, fmt.Errorf("risk %s: %w", m.Asset, err)
		}
		listed = append(listed, m.Asset)
	}
	return listed, nil
}

func optionalWad(name, value string, fallback *big.Int) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return new(big.Int).Set(fallback), nil
	}
	v, err := lending.ParseWad(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
