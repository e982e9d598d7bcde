package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/Kocoro-lab/dossier/internal/models"
)

// SECEdgarClient uses EDGAR full-text search.
type SECEdgarClient struct{ httpBase }

func NewSECEdgar(opts ...Option) *SECEdgarClient {
	return &SECEdgarClient{newHTTPBase(SECEdgar, "SEC EDGAR", "https://efts.sec.gov/LATEST/search-index", "", opts)}
}

var secKeywords = []string{
	"compan", "corporat", "sec", "filing", "10-k", "8-k", "investor", "shareholder",
	"revenue", "acquisition", "merger", "subsidiar", "financial", "executive", "board",
	"inc", "llc", "contractor",
}

func (c *SECEdgarClient) IsRelevant(_ context.Context, question string) bool {
	return keywordRelevance(question, secKeywords)
}

// GenerateQuery quotes multi-word text so EDGAR matches it as a phrase.
func (c *SECEdgarClient) GenerateQuery(_ context.Context, question string) (*QueryParams, error) {
	p := textQuery(question)
	if p == nil {
		return nil, nil
	}
	if strings.Contains(p.Query, " ") && !strings.Contains(p.Query, `"`) && len(strings.Fields(p.Query)) <= 4 {
		p.Query = `"` + p.Query + `"`
	}
	return p, nil
}

type edgarResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string `json:"_id"`
			Source struct {
				DisplayNames []string `json:"display_names"`
				FileDate     string   `json:"file_date"`
				Form         string   `json:"form"`
				CIKs         []string `json:"ciks"`
				ADSH         string   `json:"adsh"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (c *SECEdgarClient) ExecuteSearch(ctx context.Context, params QueryParams, limit int) (*SearchResponse, error) {
	q := url.Values{}
	q.Set("q", params.Query)
	if forms := params.Filters["forms"]; forms != "" {
		q.Set("forms", forms)
	}

	var out edgarResponse
	if err := c.getJSON(ctx, c.baseURL+"?"+q.Encode(), nil, &out); err != nil {
		return c.failed(err), err
	}

	results := make([]models.Result, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		if limit > 0 && len(results) >= limit {
			break
		}
		s := h.Source
		title := s.Form
		if len(s.DisplayNames) > 0 {
			title = fmt.Sprintf("%s %s", strings.Join(s.DisplayNames, "; "), s.Form)
		}
		results = append(results, models.Result{
			URL:     edgarDocumentURL(h.ID, s.CIKs, s.ADSH),
			ID:      h.ID,
			Title:   strings.TrimSpace(title),
			Snippet: fmt.Sprintf("%s filed %s", s.Form, s.FileDate),
			Source:  c.displayName,
			Date:    parseDate([]string{"2006-01-02"}, s.FileDate),
			Metadata: map[string]interface{}{
				"form": s.Form,
				"ciks": s.CIKs,
			},
		})
	}
	return &SearchResponse{Success: true, SourceName: c.displayName, Total: out.Hits.Total.Value, Results: results}, nil
}

// edgarDocumentURL builds the archive URL from a hit id of the form "<adsh>:<filename>".
func edgarDocumentURL(id string, ciks []string, adsh string) string {
	if len(ciks) == 0 || adsh == "" {
		return ""
	}
	cik := strings.TrimLeft(ciks[0], "0")
	folder := strings.ReplaceAll(adsh, "-", "")
	_, file, ok := strings.Cut(id, ":")
	if !ok || file == "" {
		return fmt.Sprintf("https://www.sec.gov/Archives/edgar/data/%s/%s/", cik, folder)
	}
	return fmt.Sprintf("https://www.sec.gov/Archives/edgar/data/%s/%s/%s", cik, folder, file)
}
