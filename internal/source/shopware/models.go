package shopware

import "github.com/shopspring/decimal"

type credentials struct {
	ShopURL   string `json:"shopUrl"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Currency  string `json:"currency"`
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type searchRequest struct {
	Page           int                       `json:"page"`
	Limit          int                       `json:"limit"`
	TotalCountMode int                       `json:"total-count-mode"`
	Associations   map[string]map[string]any `json:"associations,omitempty"`
}

// SearchResponse is the body of POST /api/search/product.
type SearchResponse struct {
	Total int       `json:"total"`
	Data  []Product `json:"data"`
}

type Product struct {
	ID            string         `json:"id"`
	ProductNumber string         `json:"productNumber"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Active        *bool          `json:"active"`
	Available     *bool          `json:"available"`
	Price         []Price        `json:"price"`
	Categories    []Category     `json:"categories"`
	Media         []ProductMedia `json:"media"`
}

type Price struct {
	CurrencyID string          `json:"currencyId"`
	Gross      decimal.Decimal `json:"gross"`
	Net        decimal.Decimal `json:"net"`
}

type Category struct {
	Name string `json:"name"`
}

type ProductMedia struct {
	Position int    `json:"position"`
	Media    *Media `json:"media"`
}

type Media struct {
	URL string `json:"url"`
}
