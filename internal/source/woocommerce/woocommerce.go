package woocommerce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"catalog_syncer/internal/domain"
	"catalog_syncer/internal/source"
)

const defaultMaxPages = 10000

// Config holds WooCommerce adapter configuration.
type Config struct {
	// BaseURL replaces the site URL from the credentials when set.
	BaseURL  string
	PageSize int
}

// Adapter implements source.Adapter for the WooCommerce REST API v3.
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
		logger:   logger.With("platform", domain.PlatformWooCommerce),
	}
}

func (a *Adapter) Platform() domain.Platform {
	return domain.PlatformWooCommerce
}

// FetchCatalog pages through the products endpoint using X-WP-TotalPages.
func (a *Adapter) FetchCatalog(ctx context.Context, raw json.RawMessage) ([]domain.ProductRecord, error) {
	var creds credentials
	if err := source.DecodeCredentials(raw, &creds); err != nil {
		return nil, err
	}
	if err := creds.validate(); err != nil {
		return nil, err
	}

	baseURL := source.NormalizeShopURL(creds.SiteURL)
	if a.baseURL != "" {
		baseURL = strings.TrimRight(a.baseURL, "/")
	}

	var all []Product

	for page := 1; ; page++ {
		if page > a.maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", source.ErrPageLimit, a.maxPages)
		}

		url := fmt.Sprintf("%s/wp-json/wc/v3/products?per_page=%d&page=%d", baseURL, a.pageSize, page)

		var products []Product
		header, err := a.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			req.SetBasicAuth(creds.ConsumerKey, creds.ConsumerSecret)
			return req, nil
		}, &products)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		all = append(all, products...)
		a.logger.Debug("fetched page",
			"page", page,
			"products", len(products),
			"total", len(all),
		)

		totalPages, err := strconv.Atoi(header.Get("X-WP-TotalPages"))
		if err != nil {
			// Without the header, a short page marks the end.
			if len(products) == 0 || len(products) < a.pageSize {
				break
			}
			continue
		}
		if page >= totalPages {
			break
		}
	}

	return transform(all, creds.Currency), nil
}

func (c credentials) validate() error {
	if strings.TrimSpace(c.SiteURL) == "" {
		return fmt.Errorf("%w: missing siteUrl", source.ErrAuthFailed)
	}
	if c.ConsumerKey == "" || c.ConsumerSecret == "" {
		return fmt.Errorf("%w: missing consumerKey or consumerSecret", source.ErrAuthFailed)
	}
	return nil
}

func transform(products []Product, currency string) []domain.ProductRecord {
	records := make([]domain.ProductRecord, 0, len(products))

	for _, p := range products {
		record := domain.ProductRecord{
			Title:        p.Name,
			Currency:     strings.ToUpper(currency),
			SKU:          source.OptionalString(p.SKU),
			URL:          source.OptionalString(p.Permalink),
			Availability: p.StockStatus != "outofstock" && (p.Status == "" || p.Status == "publish"),
		}
		if p.ID != 0 {
			record.ExternalID = strconv.FormatInt(p.ID, 10)
		}

		record.Description = source.OptionalString(p.Description)
		if record.Description == nil {
			record.Description = source.OptionalString(p.ShortDescription)
		}

		priceStr := p.Price
		if strings.TrimSpace(priceStr) == "" {
			priceStr = p.RegularPrice
		}
		price, err := source.ParsePrice(priceStr)
		if err != nil {
			record.DecodeErr = err
		}
		record.Price = price

		if len(p.Categories) > 0 {
			record.Category = source.OptionalString(p.Categories[0].Name)
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
