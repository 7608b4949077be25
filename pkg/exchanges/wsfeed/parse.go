package wsfeed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"trading-engine/pkg/exchanges/common"
)

type kline struct {
	pair      string
	timeFrame string
	candle    common.Candle
	closed    bool
}

// parseKline decodes only the fields the engine needs.
func parseKline(msg []byte) (kline, error) {
	var raw struct {
		Symbol string `json:"s"`
		K      struct {
			StartTime int64  `json:"t"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			Close     string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`

			// keys that differ from the ones above only by case
			CloseTime   int64  `json:"T"`
			LastTradeID int64  `json:"L"`
			TakerVolume string `json:"V"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return kline{}, err
	}
	var c common.Candle
	c.Time = raw.K.StartTime / 1000
	for _, f := range []struct {
		dst *float64
		src string
	}{
		{&c.Open, raw.K.Open},
		{&c.High, raw.K.High},
		{&c.Low, raw.K.Low},
		{&c.Close, raw.K.Close},
		{&c.Volume, raw.K.Volume},
	} {
		v, err := strconv.ParseFloat(f.src, 64)
		if err != nil {
			return kline{}, fmt.Errorf("kline %s: %w", raw.Symbol, err)
		}
		*f.dst = v
	}
	return kline{pair: raw.Symbol, timeFrame: raw.K.Interval, candle: c, closed: raw.K.Closed}, nil
}

func parseTrade(msg []byte) (common.Trade, string, error) {
	var raw struct {
		Symbol    string `json:"s"`
		ID        int64  `json:"t"`
		Price     string `json:"p"`
		Qty       string `json:"q"`
		TradeTime int64  `json:"T"`
		BuyerIsMM bool   `json:"m"`
		Event     string `json:"e"`
		EventTime int64  `json:"E"`
		Ignore    bool   `json:"M"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return common.Trade{}, "", err
	}
	price, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil {
		return common.Trade{}, "", fmt.Errorf("trade %s price: %w", raw.Symbol, err)
	}
	qty, err := strconv.ParseFloat(raw.Qty, 64)
	if err != nil {
		return common.Trade{}, "", fmt.Errorf("trade %s quantity: %w", raw.Symbol, err)
	}
	side := common.SideBuy
	if raw.BuyerIsMM {
		side = common.SideSell
	}
	return common.Trade{
		ID:        strconv.FormatInt(raw.ID, 10),
		Price:     price,
		Amount:    qty,
		Cost:      price * qty,
		Side:      side,
		Timestamp: time.UnixMilli(raw.TradeTime),
	}, raw.Symbol, nil
}
