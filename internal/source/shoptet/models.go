package shoptet

type credentials struct {
	ShopURL  string `json:"shopUrl"`
	APIKey   string `json:"apiKey"`
	ShopID   string `json:"shopId"`
	Currency string `json:"currency"`
}

// ProductsResponse is the body of GET /api/products.
type ProductsResponse struct {
	Data   ProductsData `json:"data"`
	Errors []APIError   `json:"errors"`
}

type ProductsData struct {
	Products  []Product `json:"products"`
	Paginator Paginator `json:"paginator"`
}

type Paginator struct {
	TotalCount   int `json:"totalCount"`
	Page         int `json:"page"`
	PageCount    int `json:"pageCount"`
	ItemsOnPage  int `json:"itemsOnPage"`
	ItemsPerPage int `json:"itemsPerPage"`
}

type APIError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

type Product struct {
	GUID             string    `json:"guid"`
	Name             string    `json:"name"`
	ShortDescription string    `json:"shortDescription"`
	Description      string    `json:"description"`
	Visibility       string    `json:"visibility"`
	URL              string    `json:"url"`
	DefaultCategory  *Category `json:"defaultCategory"`
	Images           []Image   `json:"images"`
	Variants         []Variant `json:"variants"`
}

type Category struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

type Image struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

type Variant struct {
	Code     string `json:"code"`
	Price    string `json:"price"`
	Currency string `json:"currencyCode"`
}
