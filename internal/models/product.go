package models

// Product is the catalog view of a vendor product pushed to the gateway.
type Product struct {
	ID        int64   `json:"id"`
	VendorID  int64   `json:"vendor_id"`
	Name      string  `json:"name"`
	SKU       string  `json:"sku,omitempty"`
	Price     float64 `json:"price"`
	Currency  string  `json:"currency,omitempty"`
	URL       string  `json:"url,omitempty"`
	ImageURL  string  `json:"image_url,omitempty"`
	Available bool    `json:"available"`
}
