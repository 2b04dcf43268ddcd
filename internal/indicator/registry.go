package indicator

import (
	"fmt"
	"sort"

	"github.com/markcheno/go-talib"

	"crypto-ohlcv/internal/model"
)

var registry = map[string]Func{
	// Momentum
	"rsi":      rsi,
	"macd":     macd,
	"williams": williams,

	// Volatility
	"bollinger": bollinger,
	"atr":       atr,

	// Trend
	"adx": adx,
	"cci": cci,
	"sma": sma,
	"ema": ema,

	"ema5":   fixedPeriod(ema, 5),
	"ema10":  fixedPeriod(ema, 10),
	"ema20":  fixedPeriod(ema, 20),
	"ema50":  fixedPeriod(ema, 50),
	"ema200": fixedPeriod(ema, 200),

	"sma5":   fixedPeriod(sma, 5),
	"sma10":  fixedPeriod(sma, 10),
	"sma50":  fixedPeriod(sma, 50),
	"sma200": fixedPeriod(sma, 200),
}

// Names returns the supported indicator names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Supported reports whether name is a known indicator.
func Supported(name string) bool {
	_, ok := registry[name]
	return ok
}

// Compute runs the named indicator. A result with no values is ErrNoValues.
func Compute(name string, candles []model.Candle, p Params) (res Result, err error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
	if p == nil {
		p = Params{}
	}

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("indicator %s: %v", name, r)
		}
	}()

	res, err = fn(candles, p)
	if err != nil {
		return nil, err
	}
	if res.AllNil() {
		return nil, fmt.Errorf("%w: %s over %d candles", ErrNoValues, name, len(candles))
	}
	return res, nil
}

func fixedPeriod(fn Func, period int) Func {
	return func(cs []model.Candle, _ Params) (Result, error) {
		return fn(cs, Params{"period": float64(period)})
	}
}

func rsi(cs []model.Candle, p Params) (Result, error) {
	n, err := p.period("period", 14)
	if err != nil {
		return nil, err
	}
	if len(cs) <= n {
		return Result{"rsi": nil}, nil
	}
	return Result{"rsi": last(talib.Rsi(columns(cs).close, n))}, nil
}

func macd(cs []model.Candle, p Params) (Result, error) {
	fast, err := p.period("fast", 12)
	if err != nil {
		return nil, err
	}
	slow, err := p.period("slow", 26)
	if err != nil {
		return nil, err
	}
	signal, err := p.Int("signal", 9)
	if err != nil {
		return nil, err
	}
	if signal < 1 {
		return nil, fmt.Errorf("%w: signal must be >= 1, got %d", ErrInvalidParams, signal)
	}
	if fast >= slow {
		return nil, fmt.Errorf("%w: fast (%d) must be below slow (%d)", ErrInvalidParams, fast, slow)
	}
	if len(cs) < slow+signal-1 {
		return Result{"macd": nil, "macd_signal": nil}, nil
	}
	line, sig, _ := talib.Macd(columns(cs).close, fast, slow, signal)
	return Result{"macd": last(line), "macd_signal": last(sig)}, nil
}

func bollinger(cs []model.Candle, p Params) (Result, error) {
	n, err := p.period("period", 20)
	if err != nil {
		return nil, err
	}
	dev, err := p.Float("std_dev", 2)
	if err != nil {
		return nil, err
	}
	if dev <= 0 {
		return nil, fmt.Errorf("%w: std_dev must be positive, got %v", ErrInvalidParams, dev)
	}
	if len(cs) < n {
		return Result{"bollinger_mavg": nil, "bollinger_hband": nil, "bollinger_lband": nil}, nil
	}
	upper, middle, lower := talib.BBands(columns(cs).close, n, dev, dev, talib.SMA)
	return Result{
		"bollinger_mavg":  last(middle),
		"bollinger_hband": last(upper),
		"bollinger_lband": last(lower),
	}, nil
}

func atr(cs []model.Candle, p Params) (Result, error) {
	n, err := p.period("period", 14)
	if err != nil {
		return nil, err
	}
	if len(cs) <= n {
		return Result{"atr": nil}, nil
	}
	s := columns(cs)
	return Result{"atr": last(talib.Atr(s.high, s.low, s.close, n))}, nil
}

func adx(cs []model.Candle, p Params) (Result, error) {
	n, err := p.period("period", 14)
	if err != nil {
		return nil, err
	}
	if len(cs) < 2*n {
		return Result{"adx": nil}, nil
	}
	s := columns(cs)
	return Result{"adx": last(talib.Adx(s.high, s.low, s.close, n))}, nil
}

func cci(cs []model.Candle, p Params) (Result, error) {
	n, err := p.period("period", 20)
	if err != nil {
		return nil, err
	}
	if len(cs) < n {
		return Result{"cci": nil}, nil
	}
	s := columns(cs)
	return Result{"cci": last(talib.Cci(s.high, s.low, s.close, n))}, nil
}

func williams(cs []model.Candle, p Params) (Result, error) {
	n, err := p.period("period", 14)
	if err != nil {
		return nil, err
	}
	if len(cs) < n {
		return Result{"williams_r": nil}, nil
	}
	s := columns(cs)
	return Result{"williams_r": last(talib.WillR(s.high, s.low, s.close, n))}, nil
}

func sma(cs []model.Candle, p Params) (Result, error) {
	n, err := p.period("period", 20)
	if err != nil {
		return nil, err
	}
	if len(cs) < n {
		return Result{"sma": nil}, nil
	}
	return Result{"sma": last(talib.Sma(columns(cs).close, n))}, nil
}

func ema(cs []model.Candle, p Params) (Result, error) {
	n, err := p.period("period", 20)
	if err != nil {
		return nil, err
	}
	if len(cs) < n {
		return Result{"ema": nil}, nil
	}
	return Result{"ema": last(talib.Ema(columns(cs).close, n))}, nil
}
