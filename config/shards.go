package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// IPShard pins a set of venue symbols to a local source IP. Symbols use the
// venue-native representation.
type IPShard struct {
	IP                 string   `yaml:"ip"`
	BinanceSymbols     []string `yaml:"binance_symbols"`
	BybitSymbols       []string `yaml:"bybit_symbols"`
	OkxSymbols         []string `yaml:"okx_symbols"`
	HyperliquidSymbols []string `yaml:"hyperliquid_symbols"`
}

// Symbols returns the shard's symbols for venue.
func (s IPShard) Symbols(venue string) []string {
	switch venue {
	case VenueBinance:
		return s.BinanceSymbols
	case VenueBybit:
		return s.BybitSymbols
	case VenueOkx:
		return s.OkxSymbols
	case VenueHyperliquid:
		return s.HyperliquidSymbols
	}
	return nil
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// ForVenue maps local IP to symbols for one venue, skipping empty shards.
func (s *IPShards) ForVenue(venue string) map[string][]string {
	out := map[string][]string{}
	if s == nil {
		return out
	}
	for _, shard := range s.Shards {
		syms := shard.Symbols(venue)
		if len(syms) == 0 {
			continue
		}
		out[shard.IP] = append(out[shard.IP], syms...)
	}
	return out
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i, shard := range cfg.Shards {
		if shard.IP != "" && net.ParseIP(shard.IP) == nil {
			return nil, fmt.Errorf("shards[%d].ip %q is not a valid address", i, shard.IP)
		}
	}
	return &cfg, nil
}
