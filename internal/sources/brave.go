package sources

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Kocoro-lab/dossier/internal/models"
)

// BraveClient queries the Brave web search API.
type BraveClient struct{ httpBase }

// NewBrave requires an API key sent as X-Subscription-Token.
func NewBrave(apiKey string, opts ...Option) *BraveClient {
	return &BraveClient{newHTTPBase(Brave, "Brave Search", "https://api.search.brave.com/res/v1/web/search", apiKey, opts)}
}

func (c *BraveClient) IsRelevant(context.Context, string) bool { return true }

func (c *BraveClient) GenerateQuery(_ context.Context, question string) (*QueryParams, error) {
	return textQuery(question), nil
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PageAge     string `json:"page_age"`
			Profile     struct {
				Name string `json:"name"`
			} `json:"profile"`
		} `json:"results"`
	} `json:"web"`
}

func (c *BraveClient) ExecuteSearch(ctx context.Context, params QueryParams, limit int) (*SearchResponse, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		err := errors.New("brave: API key is missing")
		return c.failed(err), err
	}
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(limit))

	var out braveResponse
	err := c.getJSON(ctx, c.baseURL+"?"+q.Encode(), http.Header{"X-Subscription-Token": {c.apiKey}}, &out)
	if err != nil {
		return c.failed(err), err
	}

	results := make([]models.Result, 0, len(out.Web.Results))
	for _, r := range out.Web.Results {
		res := models.Result{
			URL:     r.URL,
			Title:   r.Title,
			Snippet: r.Description,
			Source:  c.displayName,
			Date:    parseDate([]string{time.RFC3339, "2006-01-02T15:04:05"}, r.PageAge),
		}
		if r.Profile.Name != "" {
			res.Metadata = map[string]interface{}{"site": r.Profile.Name}
		}
		results = append(results, res)
	}
	return &SearchResponse{Success: true, SourceName: c.displayName, Total: len(results), Results: results}, nil
}
