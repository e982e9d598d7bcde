package sources

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Kocoro-lab/dossier/internal/models"
)

// SAMGovClient searches contract opportunities on SAM.gov.
type SAMGovClient struct {
	httpBase
	lookback time.Duration
	now      func() time.Time
}

func NewSAMGov(apiKey string, opts ...Option) *SAMGovClient {
	return &SAMGovClient{
		httpBase: newHTTPBase(SAMGov, "SAM.gov", "https://api.sam.gov/opportunities/v2/search", apiKey, opts),
		lookback: 364 * 24 * time.Hour,
		now:      time.Now,
	}
}

var samKeywords = []string{
	"contract", "procure", "award", "solicitation", "vendor", "grant", "bid",
	"defense", "supplier", "federal spending", "contractor", "acquisition",
}

func (c *SAMGovClient) IsRelevant(_ context.Context, question string) bool {
	return keywordRelevance(question, samKeywords)
}

func (c *SAMGovClient) GenerateQuery(_ context.Context, question string) (*QueryParams, error) {
	return textQuery(question), nil
}

type samResponse struct {
	TotalRecords      int `json:"totalRecords"`
	OpportunitiesData []struct {
		NoticeID           string `json:"noticeId"`
		Title              string `json:"title"`
		SolicitationNumber string `json:"solicitationNumber"`
		FullParentPathName string `json:"fullParentPathName"`
		PostedDate         string `json:"postedDate"`
		Type               string `json:"type"`
		UILink             string `json:"uiLink"`
		NaicsCode          string `json:"naicsCode"`
		ResponseDeadLine   string `json:"responseDeadLine"`
	} `json:"opportunitiesData"`
}

func (c *SAMGovClient) ExecuteSearch(ctx context.Context, params QueryParams, limit int) (*SearchResponse, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		err := errors.New("sam.gov: API key is missing")
		return c.failed(err), err
	}
	if limit <= 0 {
		limit = 10
	}
	now := c.now()
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("title", params.Query)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("postedFrom", now.Add(-c.lookback).Format("01/02/2006"))
	q.Set("postedTo", now.Format("01/02/2006"))

	var out samResponse
	if err := c.getJSON(ctx, c.baseURL+"?"+q.Encode(), nil, &out); err != nil {
		return c.failed(err), err
	}

	results := make([]models.Result, 0, len(out.OpportunitiesData))
	for _, o := range out.OpportunitiesData {
		link := o.UILink
		if link == "" && o.NoticeID != "" {
			link = "https://sam.gov/opp/" + o.NoticeID + "/view"
		}
		results = append(results, models.Result{
			URL:     link,
			ID:      o.NoticeID,
			Title:   o.Title,
			Snippet: strings.TrimSpace(o.Type + " " + o.FullParentPathName),
			Source:  c.displayName,
			Date:    parseDate([]string{"2006-01-02", time.RFC3339}, o.PostedDate),
			Metadata: map[string]interface{}{
				"solicitation_number": o.SolicitationNumber,
				"agency":              o.FullParentPathName,
				"naics":               o.NaicsCode,
				"response_deadline":   o.ResponseDeadLine,
			},
		})
	}
	return &SearchResponse{Success: true, SourceName: c.displayName, Total: out.TotalRecords, Results: results}, nil
}
