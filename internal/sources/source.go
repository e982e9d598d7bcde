// Package sources wraps heterogeneous external data sources behind one
// capability: relevance check, query generation and search execution.
package sources

import (
	"context"
	"errors"
	"strings"

	"github.com/Kocoro-lab/dossier/internal/models"
)

// ErrUnknownSource is returned when an identifier maps to no registered client.
var ErrUnknownSource = errors.New("unknown source")

// SourceID identifies a data source.
type SourceID string

const (
	Brave           SourceID = "brave"
	FederalRegister SourceID = "federal_register"
	SECEdgar        SourceID = "sec_edgar"
	Congress        SourceID = "congress"
	SAMGov          SourceID = "sam_gov"
	FBIVault        SourceID = "fbi_vault"
)

// KnownSources lists every built-in source.
var KnownSources = []SourceID{Brave, FederalRegister, SECEdgar, Congress, SAMGov, FBIVault}

var aliases = map[string]SourceID{
	"web":              Brave,
	"web_search":       Brave,
	"brave_search":     Brave,
	"fedreg":           FederalRegister,
	"federal_register": FederalRegister,
	"sec":              SECEdgar,
	"edgar":            SECEdgar,
	"sec_edgar":        SECEdgar,
	"congress_gov":     Congress,
	"sam":              SAMGov,
	"samgov":           SAMGov,
	"sam_gov":          SAMGov,
	"fbi":              FBIVault,
	"vault":            FBIVault,
	"fbi_vault":        FBIVault,
}

// ParseSourceID maps a loosely written identifier ("SAM.gov", "sec-edgar",
// "Brave Search") to a SourceID. Unknown identifiers are returned normalised
// with ok=false so callers can still look them up among custom clients.
func ParseSourceID(raw string) (SourceID, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(s)
	if id, ok := aliases[s]; ok {
		return id, true
	}
	for _, k := range KnownSources {
		if SourceID(s) == k {
			return k, true
		}
	}
	return SourceID(s), false
}

// QueryParams is a source-specific query built from free text.
type QueryParams struct {
	Query   string
	Filters map[string]string
}

// SearchResponse is what a source returns for one query.
type SearchResponse struct {
	Success    bool
	SourceName string
	Total      int
	Results    []models.Result
	Error      string
	// Skipped is set when the client declined to build a query.
	Skipped bool
}

// Client is the uniform capability every data source implements.
type Client interface {
	ID() SourceID
	DisplayName() string
	// IsRelevant is a cheap pre-check that the source can say anything about question.
	IsRelevant(ctx context.Context, question string) bool
	// GenerateQuery turns free text into source parameters. A nil result
	// means the source should not be queried for this text.
	GenerateQuery(ctx context.Context, question string) (*QueryParams, error)
	ExecuteSearch(ctx context.Context, params QueryParams, limit int) (*SearchResponse, error)
}

// keywordRelevance reports whether question mentions any keyword. An empty
// keyword list accepts everything.
func keywordRelevance(question string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	q := strings.ToLower(question)
	for _, k := range keywords {
		if strings.Contains(q, k) {
			return true
		}
	}
	return false
}

// textQuery is the default GenerateQuery: trimmed text, nil when blank.
func textQuery(question string) *QueryParams {
	q := strings.Join(strings.Fields(question), " ")
	if q == "" {
		return nil
	}
	return &QueryParams{Query: q}
}
