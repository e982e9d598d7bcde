package sources

import (
	"context"
	"net/url"
	"strconv"

	"github.com/Kocoro-lab/dossier/internal/models"
)

// FederalRegisterClient searches documents published in the Federal Register.
type FederalRegisterClient struct{ httpBase }

func NewFederalRegister(opts ...Option) *FederalRegisterClient {
	return &FederalRegisterClient{newHTTPBase(FederalRegister, "Federal Register", "https://www.federalregister.gov/api/v1/documents.json", "", opts)}
}

var federalRegisterKeywords = []string{
	"regulat", "rule", "agency", "federal", "executive order", "notice", "policy",
	"department", "administration", "sanction", "contract", "government",
}

func (c *FederalRegisterClient) IsRelevant(_ context.Context, question string) bool {
	return keywordRelevance(question, federalRegisterKeywords)
}

func (c *FederalRegisterClient) GenerateQuery(_ context.Context, question string) (*QueryParams, error) {
	return textQuery(question), nil
}

type federalRegisterResponse struct {
	Count   int `json:"count"`
	Results []struct {
		Title           string `json:"title"`
		Type            string `json:"type"`
		Abstract        string `json:"abstract"`
		DocumentNumber  string `json:"document_number"`
		HTMLURL         string `json:"html_url"`
		PublicationDate string `json:"publication_date"`
		Agencies        []struct {
			Name string `json:"name"`
		} `json:"agencies"`
	} `json:"results"`
}

func (c *FederalRegisterClient) ExecuteSearch(ctx context.Context, params QueryParams, limit int) (*SearchResponse, error) {
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{}
	q.Set("conditions[term]", params.Query)
	q.Set("per_page", strconv.Itoa(limit))
	q.Set("order", "relevance")
	if t := params.Filters["type"]; t != "" {
		q.Set("conditions[type][]", t)
	}

	var out federalRegisterResponse
	if err := c.getJSON(ctx, c.baseURL+"?"+q.Encode(), nil, &out); err != nil {
		return c.failed(err), err
	}

	results := make([]models.Result, 0, len(out.Results))
	for _, d := range out.Results {
		agencies := make([]string, 0, len(d.Agencies))
		for _, a := range d.Agencies {
			if a.Name != "" {
				agencies = append(agencies, a.Name)
			}
		}
		results = append(results, models.Result{
			URL:     d.HTMLURL,
			ID:      d.DocumentNumber,
			Title:   d.Title,
			Snippet: d.Abstract,
			Source:  c.displayName,
			Date:    parseDate([]string{"2006-01-02"}, d.PublicationDate),
			Metadata: map[string]interface{}{
				"document_type": d.Type,
				"agencies":      agencies,
			},
		})
	}
	return &SearchResponse{Success: true, SourceName: c.displayName, Total: out.Count, Results: results}, nil
}
