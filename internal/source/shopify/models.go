package shopify

type credentials struct {
	ShopURL     string `json:"shopUrl"`
	APIKey      string `json:"apiKey"`
	APISecret   string `json:"apiSecret"`
	AccessToken string `json:"accessToken"`
	Currency    string `json:"currency"`
}

// ProductsResponse is the body of GET /admin/api/{version}/products.json.
type ProductsResponse struct {
	Products []Product `json:"products"`
}

type Product struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	BodyHTML    string    `json:"body_html"`
	Handle      string    `json:"handle"`
	ProductType string    `json:"product_type"`
	Status      string    `json:"status"`
	Variants    []Variant `json:"variants"`
	Images      []Image   `json:"images"`
}

type Variant struct {
	ID    int64  `json:"id"`
	Price string `json:"price"`
	SKU   string `json:"sku"`
}

type Image struct {
	Src string `json:"src"`
}
