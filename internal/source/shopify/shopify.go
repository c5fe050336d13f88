package shopify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"catalog_syncer/internal/domain"
	"catalog_syncer/internal/source"
)

const (
	apiVersion      = "2024-01"
	defaultMaxPages = 10000
)

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// Config holds Shopify adapter configuration.
type Config struct {
	// BaseURL replaces the shop URL from the credentials when set.
	BaseURL  string
	PageSize int
}

// Adapter implements source.Adapter for the Shopify Admin REST API.
type Adapter struct {
	client   *source.Client
	baseURL  string
	pageSize int
	maxPages int
	logger   *slog.Logger
}

func New(client *source.Client, cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:   client,
		baseURL:  cfg.BaseURL,
		pageSize: cfg.PageSize,
		maxPages: defaultMaxPages,
		logger:   logger.With("platform", domain.PlatformShopify),
	}
}

func (a *Adapter) Platform() domain.Platform {
	return domain.PlatformShopify
}

// FetchCatalog follows the Link header cursor until the last page.
func (a *Adapter) FetchCatalog(ctx context.Context, raw json.RawMessage) ([]domain.ProductRecord, error) {
	var creds credentials
	if err := source.DecodeCredentials(raw, &creds); err != nil {
		return nil, err
	}
	if err := creds.validate(); err != nil {
		return nil, err
	}

	shopURL := source.NormalizeShopURL(creds.ShopURL)
	baseURL := shopURL
	if a.baseURL != "" {
		baseURL = strings.TrimRight(a.baseURL, "/")
	}
	token := creds.token()

	next := fmt.Sprintf("%s/admin/api/%s/products.json?limit=%d", baseURL, apiVersion, a.pageSize)
	var all []Product

	for page := 0; next != ""; page++ {
		if page >= a.maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", source.ErrPageLimit, a.maxPages)
		}

		url := next
		var resp ProductsResponse
		header, err := a.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("X-Shopify-Access-Token", token)
			return req, nil
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		all = append(all, resp.Products...)
		a.logger.Debug("fetched page",
			"page", page,
			"products", len(resp.Products),
			"total", len(all),
		)

		next = nextLink(header.Get("Link"))
		if next == url {
			break
		}
	}

	return transform(all, shopURL, creds.Currency), nil
}

func (c credentials) validate() error {
	if strings.TrimSpace(c.ShopURL) == "" {
		return fmt.Errorf("%w: missing shopUrl", source.ErrAuthFailed)
	}
	if c.token() == "" {
		return fmt.Errorf("%w: missing accessToken", source.ErrAuthFailed)
	}
	return nil
}

// token prefers the Admin API access token. Private apps authenticate with
// their API secret instead.
func (c credentials) token() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	return c.APISecret
}

func nextLink(header string) string {
	if header == "" {
		return ""
	}
	m := nextLinkRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}

func transform(products []Product, shopURL, currency string) []domain.ProductRecord {
	records := make([]domain.ProductRecord, 0, len(products))

	for _, p := range products {
		record := domain.ProductRecord{
			Title:        p.Title,
			Description:  source.OptionalString(p.BodyHTML),
			Currency:     strings.ToUpper(currency),
			Category:     source.OptionalString(p.ProductType),
			Availability: p.Status == "" || p.Status == "active",
		}
		if p.ID != 0 {
			record.ExternalID = strconv.FormatInt(p.ID, 10)
		}
		if p.Handle != "" {
			record.URL = source.OptionalString(shopURL + "/products/" + p.Handle)
		}

		if len(p.Variants) == 0 {
			record.DecodeErr = errors.New("product has no variants")
		} else {
			v := p.Variants[0]
			price, err := source.ParsePrice(v.Price)
			if err != nil {
				record.DecodeErr = err
			}
			record.Price = price
			record.SKU = source.OptionalString(v.SKU)
		}

		for _, img := range p.Images {
			if img.Src != "" {
				record.Images = append(record.Images, img.Src)
			}
		}

		records = append(records, record)
	}

	return records
}
