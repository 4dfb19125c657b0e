package ledger

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownAsset = errors.New("ledger: unknown asset")

// Asset describes a token the ledger custodies. Amounts are always held in the asset's
// own base units.
type Asset struct {
	Symbol   string
	Decimals uint8
}

// AssetRegistry maps asset symbols to their metadata.
type AssetRegistry struct {
	assets map[string]Asset
}

func NewAssetRegistry(assets ...Asset) *AssetRegistry {
	r := &AssetRegistry{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		r.assets[a.Symbol] = a
	}
	return r
}

func (r *AssetRegistry) Register(a Asset) {
	r.assets[a.Symbol] = a
}

func (r *AssetRegistry) Get(symbol string) (Asset, error) {
	a, ok := r.assets[symbol]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %q", ErrUnknownAsset, symbol)
	}
	return a, nil
}

// Decimals returns the decimals of a registered asset.
func (r *AssetRegistry) Decimals(symbol string) (uint8, error) {
	a, err := r.Get(symbol)
	if err != nil {
		return 0, err
	}
	return a.Decimals, nil
}

func (r *AssetRegistry) Symbols() []string {
	out := make([]string, 0, len(r.assets))
	for s := range r.assets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
