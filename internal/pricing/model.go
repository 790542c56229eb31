package pricing

// Price is one priced product variant as returned by the upstream catalog API.
type Price struct {
	ExternalID string   `json:"external_id"`
	SubType    string   `json:"sub_type"` // Normal / Foil / ...
	Low        *float64 `json:"low"`
	Mid        *float64 `json:"mid"`
	High       *float64 `json:"high"`
	Market     *float64 `json:"market"`
	DirectLow  *float64 `json:"direct_low"`
	Currency   string   `json:"currency"`
}
