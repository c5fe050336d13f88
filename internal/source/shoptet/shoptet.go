package shoptet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"catalog_syncer/internal/domain"
	"catalog_syncer/internal/source"
)

const (
	DefaultBaseURL  = "https://api.myshoptet.com"
	defaultMaxPages = 10000
)

// Config holds Shoptet adapter configuration.
type Config struct {
	BaseURL  string
	PageSize int
}

// Adapter implements source.Adapter for the Shoptet REST API.
type Adapter struct {
	client   *source.Client
	baseURL  string
	pageSize int
	maxPages int
	logger   *slog.Logger
}

func New(client *source.Client, cfg Config, logger *slog.Logger) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: cfg.PageSize,
		maxPages: defaultMaxPages,
		logger:   logger.With("platform", domain.PlatformShoptet),
	}
}

func (a *Adapter) Platform() domain.Platform {
	return domain.PlatformShoptet
}

// FetchCatalog pages through the product list using the paginator page count.
func (a *Adapter) FetchCatalog(ctx context.Context, raw json.RawMessage) ([]domain.ProductRecord, error) {
	var creds credentials
	if err := source.DecodeCredentials(raw, &creds); err != nil {
		return nil, err
	}
	if err := creds.validate(); err != nil {
		return nil, err
	}

	logger := a.logger
	if creds.ShopID != "" {
		logger = logger.With("shop_id", creds.ShopID)
	}

	var all []Product

	for page := 1; ; page++ {
		if page > a.maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", source.ErrPageLimit, a.maxPages)
		}

		url := fmt.Sprintf("%s/api/products?page=%d&itemsPerPage=%d&include=images,variants", a.baseURL, page, a.pageSize)

		var resp ProductsResponse
		_, err := a.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Shoptet-Private-API-Token", creds.APIKey)
			return req, nil
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}
		if len(resp.Errors) > 0 {
			return nil, fmt.Errorf("fetch page %d: %w: %s: %s",
				page, source.ErrInvalidResponse, resp.Errors[0].ErrorCode, resp.Errors[0].Message)
		}

		all = append(all, resp.Data.Products...)
		logger.Debug("fetched page",
			"page", page,
			"products", len(resp.Data.Products),
			"total", len(all),
		)

		if page >= resp.Data.Paginator.PageCount {
			break
		}
	}

	return transform(all, source.NormalizeShopURL(creds.ShopURL), creds.Currency), nil
}

func (c credentials) validate() error {
	if strings.TrimSpace(c.ShopURL) == "" {
		return fmt.Errorf("%w: missing shopUrl", source.ErrAuthFailed)
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: missing apiKey", source.ErrAuthFailed)
	}
	return nil
}

func transform(products []Product, shopURL, currency string) []domain.ProductRecord {
	records := make([]domain.ProductRecord, 0, len(products))

	for _, p := range products {
		record := domain.ProductRecord{
			ExternalID:   p.GUID,
			Title:        p.Name,
			Description:  source.OptionalString(p.Description),
			Currency:     strings.ToUpper(currency),
			Availability: p.Visibility != "hidden",
		}
		if record.Description == nil {
			record.Description = source.OptionalString(p.ShortDescription)
		}
		if p.DefaultCategory != nil {
			record.Category = source.OptionalString(p.DefaultCategory.Name)
		}

		switch {
		case strings.HasPrefix(p.URL, "http"):
			record.URL = source.OptionalString(p.URL)
		case p.URL != "":
			record.URL = source.OptionalString(shopURL + "/" + strings.TrimLeft(p.URL, "/"))
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
			record.SKU = source.OptionalString(v.Code)
			if v.Currency != "" {
				record.Currency = strings.ToUpper(v.Currency)
			}
		}

		for _, img := range p.Images {
			if img.URL != "" {
				record.Images = append(record.Images, img.URL)
			}
		}

		records = append(records, record)
	}

	return records
}
