package sources

import (
	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/config"
)

// Credentials carries the API keys and browser location the built-in adapters need.
type Credentials struct {
	BraveAPIKey    string
	CongressAPIKey string
	SAMAPIKey      string
	ChromePath     string
	BrowserWorkers int
}

// NewDefaultRegistry registers every built-in adapter and applies cfg. The
// returned close function shuts the headless browser down.
func NewDefaultRegistry(creds Credentials, cfg config.SourcesConfig, policy AccessPolicy, logger *zap.Logger) (*Registry, func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := func(id SourceID) []Option {
		opts := []Option{WithLogger(logger.With(zap.String("source", string(id))))}
		s := cfg.Get(string(id))
		if s.BaseURL != "" {
			opts = append(opts, WithBaseURL(s.BaseURL))
		}
		if _, ok := cfg.Sources[string(id)]; ok {
			opts = append(opts, WithDisplayName(s.DisplayName))
		}
		return opts
	}

	r := NewRegistry(policy, logger)
	r.Register(NewBrave(creds.BraveAPIKey, base(Brave)...))
	r.Register(NewFederalRegister(base(FederalRegister)...))
	r.Register(NewSECEdgar(base(SECEdgar)...))
	r.Register(NewCongress(creds.CongressAPIKey, base(Congress)...))
	r.Register(NewSAMGov(creds.SAMAPIKey, base(SAMGov)...))

	runner := NewChromeRunner(creds.ChromePath, creds.BrowserWorkers, logger.Named("browser"))
	vault := NewFBIVault(runner, logger.With(zap.String("source", string(FBIVault))))
	if s := cfg.Get(string(FBIVault)); s.BaseURL != "" {
		vault.baseURL = s.BaseURL
	}
	r.Register(vault)

	r.ApplySettings(cfg)
	return r, runner.Close
}
