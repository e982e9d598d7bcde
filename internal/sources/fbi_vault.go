package sources

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/models"
)

const vaultResultsScript = `(() => {
  const out = [];
  document.querySelectorAll('dl.searchResults dt').forEach(dt => {
    const a = dt.querySelector('a');
    if (!a) return;
    const dd = dt.nextElementSibling;
    out.push({
      title: a.textContent.trim(),
      url: a.href,
      description: dd && dd.tagName === 'DD' ? dd.textContent.trim().replace(/\s+/g, ' ') : ''
    });
  });
  return out;
})()`

// FBIVaultClient scrapes the FBI Vault search page. The site renders results
// client-side and has no API, so requests go through a PageRunner.
type FBIVaultClient struct {
	id          SourceID
	displayName string
	baseURL     string
	runner      PageRunner
	logger      *zap.Logger
}

func NewFBIVault(runner PageRunner, logger *zap.Logger) *FBIVaultClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FBIVaultClient{
		id:          FBIVault,
		displayName: "FBI Vault",
		baseURL:     "https://vault.fbi.gov/search",
		runner:      runner,
		logger:      logger,
	}
}

func (c *FBIVaultClient) ID() SourceID        { return c.id }
func (c *FBIVaultClient) DisplayName() string { return c.displayName }

var vaultKeywords = []string{
	"fbi", "investigat", "surveil", "classified", "declassif", "foia", "intelligence",
	"espionage", "bureau", "informant", "counterintelligence", "file",
}

func (c *FBIVaultClient) IsRelevant(_ context.Context, question string) bool {
	return keywordRelevance(question, vaultKeywords)
}

// GenerateQuery keeps at most six terms; the Vault search does poorly with long text.
func (c *FBIVaultClient) GenerateQuery(_ context.Context, question string) (*QueryParams, error) {
	terms := queryTerms(question)
	if len(terms) == 0 {
		return nil, nil
	}
	if len(terms) > 6 {
		terms = terms[:6]
	}
	return &QueryParams{Query: strings.Join(terms, " ")}, nil
}

type vaultHit struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (c *FBIVaultClient) ExecuteSearch(ctx context.Context, params QueryParams, limit int) (*SearchResponse, error) {
	pageURL := c.baseURL + "?" + url.Values{"SearchableText": {params.Query}}.Encode()

	var hits []vaultHit
	if err := c.runner.Evaluate(ctx, pageURL, "body", vaultResultsScript, &hits); err != nil {
		return &SearchResponse{SourceName: c.displayName, Error: err.Error()}, err
	}

	results := make([]models.Result, 0, len(hits))
	for _, h := range hits {
		if limit > 0 && len(results) >= limit {
			break
		}
		results = append(results, models.Result{
			URL:     h.URL,
			Title:   h.Title,
			Snippet: h.Description,
			Source:  c.displayName,
		})
	}
	return &SearchResponse{Success: true, SourceName: c.displayName, Total: len(hits), Results: results}, nil
}
