package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"

	"trading_bot/internal/domain"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// LimitsListener receives every successfully reloaded set of limits.
type LimitsListener func(domain.RiskLimits)

// LimitsWatcher reloads the risk section of the config file whenever it changes on disk.
// Invalid edits are logged and alerted; the previous limits stay in force.
type LimitsWatcher struct {
	path    string
	v       *viper.Viper
	alerter domain.Alerter
	logger  *slog.Logger

	mu        sync.RWMutex
	current   domain.RiskLimits
	version   int64
	listeners []LimitsListener
}

// NewLimitsWatcher reads the file once; call Watch to start following changes.
func NewLimitsWatcher(path string, alerter domain.Alerter) (*LimitsWatcher, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, &domain.ConfigError{Field: "path", Err: fmt.Errorf("read %s: %w", path, err)}
	}
	w := &LimitsWatcher{
		path:    path,
		v:       v,
		alerter: alerter,
		logger:  slog.Default().With("module", "limits_watcher"),
	}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Subscribe registers fn for future reloads.
func (w *LimitsWatcher) Subscribe(fn LimitsListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Current returns the last valid limits and their reload version.
func (w *LimitsWatcher) Current() (domain.RiskLimits, int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, w.version
}

// Watch starts following file changes.
func (w *LimitsWatcher) Watch() {
	w.v.OnConfigChange(func(evt fsnotify.Event) {
		if err := w.reload(); err != nil {
			w.logger.Error("Risk limits reload rejected",
				slog.String("file", filepath.Base(evt.Name)),
				slog.Any("error", err))
			if w.alerter != nil {
				w.alerter.Alert(context.Background(), domain.NewAlert(domain.AlertConfigReload, "", "", err.Error()))
			}
			return
		}
		w.notify()
	})
	w.v.WatchConfig()
}

func (w *LimitsWatcher) reload() error {
	if !w.v.IsSet("risk") {
		return &domain.ConfigError{Field: "risk", Err: errors.New("section missing")}
	}
	var rc RiskConfig
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		amountDecodeHook,
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := w.v.UnmarshalKey("risk", &rc, hook); err != nil {
		return &domain.ConfigError{Field: "risk", Err: err}
	}
	limits := rc.Limits()
	if err := limits.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	w.current = limits
	w.version++
	version := w.version
	w.mu.Unlock()

	w.logger.Info("Risk limits loaded",
		slog.Int64("version", version),
		slog.String("max_position", limits.MaxPositionPerInstrument.String()),
		slog.String("max_notional", limits.MaxOrderNotional.String()),
		slog.Int("max_open_orders", limits.MaxOpenOrders),
	)
	return nil
}

func (w *LimitsWatcher) notify() {
	w.mu.RLock()
	limits := w.current
	listeners := append([]LimitsListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		fn(limits)
	}
}

var amountType = reflect.TypeOf(Amount{})

func amountDecodeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != amountType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if v == "" {
			return Amount{}, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", v, err)
		}
		return NewAmount(d), nil
	case int:
		return NewAmount(decimal.NewFromInt(int64(v))), nil
	case int64:
		return NewAmount(decimal.NewFromInt(v)), nil
	case uint64:
		return NewAmount(decimal.NewFromUint64(v)), nil
	case float64:
		return NewAmount(decimal.NewFromFloat(v)), nil
	case nil:
		return Amount{}, nil
	default:
		return nil, fmt.Errorf("cannot decode %s into amount", from)
	}
}
