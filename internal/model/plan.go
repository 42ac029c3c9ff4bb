package model

// Plan is a locally cached billing plan, keyed by the provider's product reference.
type Plan struct {
	ID         int64  `db:"id" json:"id"`
	ProductRef string `db:"product_ref" json:"product_ref"`
	Name       string `db:"name" json:"name"`
}
