package woocommerce

type credentials struct {
	SiteURL        string `json:"siteUrl"`
	ConsumerKey    string `json:"consumerKey"`
	ConsumerSecret string `json:"consumerSecret"`
	Currency       string `json:"currency"`
}

// Product is one element of GET /wp-json/wc/v3/products.
type Product struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Permalink        string     `json:"permalink"`
	Status           string     `json:"status"`
	Description      string     `json:"description"`
	ShortDescription string     `json:"short_description"`
	SKU              string     `json:"sku"`
	Price            string     `json:"price"`
	RegularPrice     string     `json:"regular_price"`
	StockStatus      string     `json:"stock_status"`
	Categories       []Category `json:"categories"`
	Images           []Image    `json:"images"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Image struct {
	Src string `json:"src"`
}
