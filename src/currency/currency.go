package currency

import (
	"sync"
	"time"

	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/probi"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Rates are fiat per one whole altcurrency unit, ie Rates["BAT"]["USD"]
	Rates map[string]map[string]string `yaml:"rates"`
}

const rateRetry = 5 * time.Second

var scales = map[string]int64{
	"BAT": probi.BatScale,
	"ETH": probi.BatScale,
	"KAS": probi.KasScale,
	"BTC": probi.KasScale,
	"LTC": probi.KasScale,
}

// Service answers fiat/alt conversions from a rate table that is refreshed
// from outside
type Service struct {
	mu    sync.RWMutex
	rates map[string]map[string]decimal.Decimal
}

func NewService(cfg Config) (*Service, error) {
	s := &Service{rates: map[string]map[string]decimal.Decimal{}}
	for alt, fiats := range cfg.Rates {
		for fiat, raw := range fiats {
			rate, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid rate for %s/%s", alt, fiat)
			}
			s.SetRate(alt, fiat, rate)
		}
	}
	return s, nil
}

func (s *Service) SetRate(alt, fiat string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rates[alt] == nil {
		s.rates[alt] = map[string]decimal.Decimal{}
	}
	s.rates[alt][fiat] = rate
}

func (s *Service) Rate(alt, fiat string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if alt == fiat {
		return decimal.NewFromInt(1), true
	}
	rate, ok := s.rates[alt][fiat]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return rate, true
}

// Alt2Scale is the probi multiplier for one whole unit of alt
func (s *Service) Alt2Scale(alt string) (decimal.Decimal, error) {
	scale, ok := scales[alt]
	if !ok {
		return decimal.Zero, errors.Wrapf(model.ErrUnsupported, "no scale for altcurrency %s", alt)
	}
	return decimal.NewFromInt(scale), nil
}

// Fiat2Alt converts a fiat amount into probi of alt, truncated to whole probi
func (s *Service) Fiat2Alt(fiat string, amount decimal.Decimal, alt string) (decimal.Decimal, error) {
	scale, err := s.Alt2Scale(alt)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := s.Rate(alt, fiat)
	if !ok {
		return decimal.Zero, model.Retryable("no conversion rate for "+alt+" to "+fiat, rateRetry, nil)
	}
	return amount.Div(rate).Mul(scale).Truncate(0), nil
}

// Alt2Fiat converts probi of alt into fiat, or when inverse is set returns
// the rate from fiat back to alt
func (s *Service) Alt2Fiat(alt string, amount decimal.Decimal, fiat string, inverse bool) (decimal.Decimal, error) {
	scale, err := s.Alt2Scale(alt)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := s.Rate(alt, fiat)
	if !ok {
		return decimal.Zero, model.Retryable("no conversion rate for "+alt+" to "+fiat, rateRetry, nil)
	}
	if inverse {
		return decimal.NewFromInt(1).Div(rate), nil
	}
	return amount.Div(scale).Mul(rate).Round(2), nil
}
