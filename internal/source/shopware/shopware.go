package shopware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"catalog_syncer/internal/domain"
	"catalog_syncer/internal/source"
)

const (
	defaultMaxPages = 10000
	// totalCountExact makes the search report the full match count in total.
	totalCountExact = 1
	// tokenLeeway refreshes the access token shortly before it expires.
	tokenLeeway = 30 * time.Second
)

// Config holds Shopware adapter configuration.
type Config struct {
	// BaseURL replaces the shop URL from the credentials when set.
	BaseURL  string
	PageSize int
}

// Adapter implements source.Adapter for the Shopware 6 Admin API.
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
		logger:   logger.With("platform", domain.PlatformShopware),
	}
}

func (a *Adapter) Platform() domain.Platform {
	return domain.PlatformShopware
}

type accessToken struct {
	value     string
	expiresAt time.Time
}

func (t *accessToken) valid() bool {
	return t != nil && time.Now().Add(tokenLeeway).Before(t.expiresAt)
}

// FetchCatalog authenticates with the integration's client credentials and
// pages through the product search until the reported total is collected.
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

	var token *accessToken
	var all []Product

	for page := 1; ; page++ {
		if page > a.maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", source.ErrPageLimit, a.maxPages)
		}

		if !token.valid() {
			var err error
			token, err = a.authenticate(ctx, baseURL, creds)
			if err != nil {
				return nil, fmt.Errorf("authenticate: %w", err)
			}
		}

		resp, err := a.searchPage(ctx, baseURL, token.value, page)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		all = append(all, resp.Data...)
		a.logger.Debug("fetched page",
			"page", page,
			"products", len(resp.Data),
			"fetched", len(all),
			"total", resp.Total,
		)

		// The server may cap the limit below pageSize, so page length says nothing.
		if len(resp.Data) == 0 || len(all) >= resp.Total {
			break
		}
	}

	return transform(all, shopURL, creds.Currency), nil
}

func (a *Adapter) authenticate(ctx context.Context, baseURL string, creds credentials) (*accessToken, error) {
	body, err := json.Marshal(tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     creds.AccessKey,
		ClientSecret: creds.SecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}

	var resp tokenResponse
	if _, err := a.client.Do(ctx, postJSON(baseURL+"/api/oauth/token", body, ""), &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", source.ErrAuthFailed)
	}

	return &accessToken{
		value:     resp.AccessToken,
		expiresAt: time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

func (a *Adapter) searchPage(ctx context.Context, baseURL, token string, page int) (*SearchResponse, error) {
	body, err := json.Marshal(searchRequest{
		Page:           page,
		Limit:          a.pageSize,
		TotalCountMode: totalCountExact,
		Associations: map[string]map[string]any{
			"categories": {},
			"media":      {"associations": map[string]any{"media": map[string]any{}}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	var resp SearchResponse
	if _, err := a.client.Do(ctx, postJSON(baseURL+"/api/search/product", body, token), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func postJSON(url string, body []byte, token string) source.RequestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	}
}

func (c credentials) validate() error {
	if strings.TrimSpace(c.ShopURL) == "" {
		return fmt.Errorf("%w: missing shopUrl", source.ErrAuthFailed)
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("%w: missing accessKey or secretKey", source.ErrAuthFailed)
	}
	return nil
}

func transform(products []Product, shopURL, currency string) []domain.ProductRecord {
	records := make([]domain.ProductRecord, 0, len(products))

	for _, p := range products {
		record := domain.ProductRecord{
			ExternalID:   p.ID,
			Title:        p.Name,
			Description:  source.OptionalString(p.Description),
			Currency:     strings.ToUpper(currency),
			SKU:          source.OptionalString(p.ProductNumber),
			Availability: isTrue(p.Active) && isTrue(p.Available),
		}
		if p.ID != "" {
			record.URL = source.OptionalString(shopURL + "/detail/" + p.ID)
		}

		if len(p.Price) == 0 {
			record.DecodeErr = errors.New("product has no price")
		} else {
			record.Price = p.Price[0].Gross
		}

		if len(p.Categories) > 0 {
			record.Category = source.OptionalString(p.Categories[0].Name)
		}
		for _, m := range p.Media {
			if m.Media != nil && m.Media.URL != "" {
				record.Images = append(record.Images, m.Media.URL)
			}
		}

		records = append(records, record)
	}

	return records
}

// isTrue treats an absent flag as set.
func isTrue(b *bool) bool {
	return b == nil || *b
}
