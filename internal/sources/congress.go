package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/dossier/internal/models"
)

// CongressClient lists recent bills from the Congress.gov API and keeps those
// whose titles match the query terms. The API has no full-text search.
type CongressClient struct {
	httpBase
	pageSize int
}

func NewCongress(apiKey string, opts ...Option) *CongressClient {
	return &CongressClient{
		httpBase: newHTTPBase(Congress, "Congress.gov", "https://api.congress.gov/v3/bill", apiKey, opts),
		pageSize: 250,
	}
}

var congressKeywords = []string{
	"congress", "bill", "legislat", "senat", "house", "act", "law", "hearing",
	"committee", "appropriation", "lobby",
}

func (c *CongressClient) IsRelevant(_ context.Context, question string) bool {
	return keywordRelevance(question, congressKeywords)
}

func (c *CongressClient) GenerateQuery(_ context.Context, question string) (*QueryParams, error) {
	p := textQuery(question)
	if p == nil {
		return nil, nil
	}
	if len(queryTerms(p.Query)) == 0 {
		return nil, nil
	}
	return p, nil
}

type congressResponse struct {
	Bills []struct {
		Congress     int    `json:"congress"`
		Number       string `json:"number"`
		Type         string `json:"type"`
		Title        string `json:"title"`
		URL          string `json:"url"`
		UpdateDate   string `json:"updateDate"`
		LatestAction struct {
			ActionDate string `json:"actionDate"`
			Text       string `json:"text"`
		} `json:"latestAction"`
	} `json:"bills"`
}

func (c *CongressClient) ExecuteSearch(ctx context.Context, params QueryParams, limit int) (*SearchResponse, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		err := errors.New("congress: API key is missing")
		return c.failed(err), err
	}
	q := url.Values{}
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("api_key", c.apiKey)

	var out congressResponse
	if err := c.getJSON(ctx, c.baseURL+"?"+q.Encode(), nil, &out); err != nil {
		return c.failed(err), err
	}

	terms := queryTerms(params.Query)
	results := make([]models.Result, 0)
	for _, b := range out.Bills {
		if !matchesAll(b.Title, terms) {
			continue
		}
		if limit > 0 && len(results) >= limit {
			break
		}
		results = append(results, models.Result{
			URL:     congressBillURL(b.Congress, b.Type, b.Number, b.URL),
			ID:      fmt.Sprintf("%d-%s-%s", b.Congress, strings.ToLower(b.Type), b.Number),
			Title:   b.Title,
			Snippet: b.LatestAction.Text,
			Source:  c.displayName,
			Date:    parseDate([]string{"2006-01-02"}, b.LatestAction.ActionDate),
			Metadata: map[string]interface{}{
				"congress": b.Congress,
				"type":     b.Type,
				"number":   b.Number,
			},
		})
	}
	return &SearchResponse{Success: true, SourceName: c.displayName, Total: len(results), Results: results}, nil
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "and": {}, "or": {}, "in": {}, "on": {},
	"for": {}, "to": {}, "by": {}, "with": {}, "is": {}, "are": {}, "was": {}, "did": {},
}

func queryTerms(q string) []string {
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(q)) {
		f = strings.Trim(f, `"'.,;:()?!`)
		if _, stop := stopWords[f]; stop || len(f) < 2 {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

func matchesAll(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if !strings.Contains(lower, t) {
			return false
		}
	}
	return true
}

var congressChambers = map[string]string{
	"hr": "house-bill", "s": "senate-bill",
	"hres": "house-resolution", "sres": "senate-resolution",
	"hjres": "house-joint-resolution", "sjres": "senate-joint-resolution",
}

func congressBillURL(congress int, billType, number, apiURL string) string {
	chamber, ok := congressChambers[strings.ToLower(billType)]
	if !ok || congress == 0 || number == "" {
		return apiURL
	}
	return fmt.Sprintf("https://www.congress.gov/bill/%s-congress/%s/%s", ordinal(congress), chamber, number)
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}
