package models

import (
	"math"
	"strconv"
	"strings"
)

// Ticker is the canonical per-symbol market snapshot surfaced to consumers.
type Ticker struct {
	Symbol          string  `json:"symbol"`
	LastPrice       float64 `json:"lastPrice"`
	BestBid         float64 `json:"bestBid"`
	BestAsk         float64 `json:"bestAsk"`
	Price24h        float64 `json:"price24h"`
	Volume24h       float64 `json:"volume24h"`
	FundingRate     float64 `json:"fundingRate"`
	NextFundingTime int64   `json:"nextFundingTime"`
	Timestamp       int64   `json:"timestamp"`
}

// TickerField flags which values a fragment carries.
type TickerField uint16

const (
	FieldLastPrice TickerField = 1 << iota
	FieldBestBid
	FieldBestAsk
	FieldPrice24h
	FieldVolume24h
	FieldFundingRate
	FieldNextFundingTime
)

// TickerFragment is a partial ticker update parsed from one venue message.
// Only fields flagged in Set are applied on merge.
type TickerFragment struct {
	Exchange string
	Symbol   string
	Set      TickerField

	LastPrice       float64
	BestBid         float64
	BestAsk         float64
	Price24h        float64
	Volume24h       float64
	FundingRate     float64
	NextFundingTime int64
	Timestamp       int64
}

// Has reports whether f carries field.
func (f *TickerFragment) Has(field TickerField) bool {
	return f.Set&field != 0
}

// SetFloat records v for field. NaN and Inf are ignored.
func (f *TickerFragment) SetFloat(field TickerField, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	switch field {
	case FieldLastPrice:
		f.LastPrice = v
	case FieldBestBid:
		f.BestBid = v
	case FieldBestAsk:
		f.BestAsk = v
	case FieldPrice24h:
		f.Price24h = v
	case FieldVolume24h:
		f.Volume24h = v
	case FieldFundingRate:
		f.FundingRate = v
	case FieldNextFundingTime:
		f.NextFundingTime = int64(v)
	default:
		return
	}
	f.Set |= field
}

// SetString parses s and records it for field. Empty or malformed input
// leaves the fragment untouched.
func (f *TickerFragment) SetString(field TickerField, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return
	}
	f.SetFloat(field, v)
}

// Empty reports whether the fragment carries nothing to merge.
func (f *TickerFragment) Empty() bool {
	return f.Set == 0
}

// Merge folds other into f; fields in other win.
func (f *TickerFragment) Merge(other TickerFragment) {
	t := Ticker{
		LastPrice: f.LastPrice, BestBid: f.BestBid, BestAsk: f.BestAsk, Price24h: f.Price24h,
		Volume24h: f.Volume24h, FundingRate: f.FundingRate, NextFundingTime: f.NextFundingTime,
	}
	t.Apply(other)
	f.LastPrice, f.BestBid, f.BestAsk, f.Price24h = t.LastPrice, t.BestBid, t.BestAsk, t.Price24h
	f.Volume24h, f.FundingRate, f.NextFundingTime = t.Volume24h, t.FundingRate, t.NextFundingTime
	f.Set |= other.Set
	if other.Timestamp > f.Timestamp {
		f.Timestamp = other.Timestamp
	}
}

// Apply copies every flagged field of frag into t.
func (t *Ticker) Apply(frag TickerFragment) {
	if frag.Has(FieldLastPrice) {
		t.LastPrice = frag.LastPrice
	}
	if frag.Has(FieldBestBid) {
		t.BestBid = frag.BestBid
	}
	if frag.Has(FieldBestAsk) {
		t.BestAsk = frag.BestAsk
	}
	if frag.Has(FieldPrice24h) {
		t.Price24h = frag.Price24h
	}
	if frag.Has(FieldVolume24h) {
		t.Volume24h = frag.Volume24h
	}
	if frag.Has(FieldFundingRate) {
		t.FundingRate = frag.FundingRate
	}
	if frag.Has(FieldNextFundingTime) {
		t.NextFundingTime = frag.NextFundingTime
	}
	if frag.Timestamp > t.Timestamp {
		t.Timestamp = frag.Timestamp
	}
}

// Ready reports whether the ticker may be surfaced.
func (t *Ticker) Ready() bool {
	return t.LastPrice > 0
}
