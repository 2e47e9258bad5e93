package models

import "time"

// SpicePack is a purchasable SKU: a spice at a quality grade and pack weight,
// with its own price and stock count. Catalog management lives elsewhere; this
// service only reads packs and decrements stock through the ledger.
type SpicePack struct {
	ID              int64     `json:"id"`
	SpiceName       string    `json:"spice_name"`
	QualityClass    string    `json:"quality_class"`
	PackWeightGrams int       `json:"pack_weight_grams"`
	Price           float64   `json:"price"`
	Stock           int       `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PackView is the public read projection. Raw stock counts are not exposed to
// callers, only whether the pack can currently be bought.
type PackView struct {
	ID              int64   `json:"id"`
	SpiceName       string  `json:"spice_name"`
	QualityClass    string  `json:"quality_class"`
	PackWeightGrams int     `json:"pack_weight_grams"`
	Price           float64 `json:"price"`
	InStock         bool    `json:"in_stock"`
}

func (p *SpicePack) View() PackView {
	return PackView{
		ID:              p.ID,
		SpiceName:       p.SpiceName,
		QualityClass:    p.QualityClass,
		PackWeightGrams: p.PackWeightGrams,
		Price:           p.Price,
		InStock:         p.Stock > 0,
	}
}
