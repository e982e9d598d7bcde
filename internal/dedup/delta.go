package dedup

import "github.com/Kocoro-lab/dossier/internal/models"

// ComputeDelta measures what results add over prior: URLs and domains not
// already present. Results without a URL are ignored.
func ComputeDelta(results, prior []models.Result) models.DeltaMetrics {
	priorURLs := make(map[string]struct{}, len(prior))
	priorDomains := make(map[string]struct{})
	for _, r := range prior {
		key := URLKey(r)
		if key == "" {
			continue
		}
		priorURLs[key] = struct{}{}
		if d, err := ExtractDomain(r.URL); err == nil && d != "" {
			priorDomains[d] = struct{}{}
		}
	}

	delta := models.DeltaMetrics{PriorURLCount: len(priorURLs)}
	counted := make(map[string]struct{}, len(results))
	newDomains := make(map[string]struct{})
	for _, r := range results {
		key := URLKey(r)
		if key == "" {
			continue
		}
		if _, dup := counted[key]; dup {
			continue
		}
		counted[key] = struct{}{}
		if _, ok := priorURLs[key]; ok {
			delta.RepeatedURLs++
			continue
		}
		delta.NewURLs++
		if d, err := ExtractDomain(r.URL); err == nil && d != "" {
			if _, ok := priorDomains[d]; !ok {
				newDomains[d] = struct{}{}
			}
		}
	}
	delta.NewDomains = len(newDomains)
	if total := delta.NewURLs + delta.RepeatedURLs; total > 0 {
		delta.NoveltyRatio = float64(delta.NewURLs) / float64(total)
	}
	return delta
}
