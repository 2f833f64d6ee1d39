package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/tickwise/quotagate/pkg/credential"
	"github.com/tickwise/quotagate/pkg/model"
)

// RESTConfig describes a JSON-over-HTTP provider generically enough that
// most market-data APIs fit without a bespoke adapter.
type RESTConfig struct {
	Name string

	// Endpoints maps each supported operation to its URL.
	Endpoints map[model.OpType]string

	// SymbolParam is the query parameter carrying the symbol(s).
	// Defaults to "symbol".
	SymbolParam string

	// SymbolSeparator joins symbols for batch operations. Defaults to ",".
	SymbolSeparator string

	// ErrorFields are JSON paths that, when present and non-empty in an
	// otherwise valid response, indicate a provider-reported error
	// (e.g. "Error Message", "Note").
	ErrorFields []string

	// Extra parameters sent on every request.
	Params map[string]string
}

// REST is a generic adapter for JSON HTTP providers. Calls go through the
// credential manager, which rotates keys and screens unusable bodies. The
// payload comes back raw; interpreting it is the consumer's concern.
type REST struct {
	cfg   RESTConfig
	creds *credential.Manager
	clock clockwork.Clock
}

// NewREST creates a generic REST adapter.
func NewREST(cfg RESTConfig, creds *credential.Manager, clock clockwork.Clock) *REST {
	if cfg.SymbolParam == "" {
		cfg.SymbolParam = "symbol"
	}
	if cfg.SymbolSeparator == "" {
		cfg.SymbolSeparator = ","
	}
	return &REST{cfg: cfg, creds: creds, clock: clock}
}

func (r *REST) Name() string { return r.cfg.Name }

func (r *REST) Operations() []model.OpType {
	ops := make([]model.OpType, 0, len(r.cfg.Endpoints))
	for op := range r.cfg.Endpoints {
		ops = append(ops, op)
	}
	return ops
}

func (r *REST) Fetch(ctx context.Context, req Request) (*Response, error) {
	endpoint, ok := r.cfg.Endpoints[req.Op]
	if !ok {
		return nil, fmt.Errorf("provider %s does not support %s", r.cfg.Name, req.Op)
	}
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols in request for %s", req.Op)
	}

	params := make(map[string]string, len(r.cfg.Params)+len(req.Params)+1)
	for k, v := range r.cfg.Params {
		params[k] = v
	}
	for k, v := range req.Params {
		params[k] = v
	}
	params[r.cfg.SymbolParam] = strings.Join(req.Symbols, r.cfg.SymbolSeparator)

	body, err := r.creds.Execute(ctx, r.cfg.Name, endpoint, params)
	if err != nil {
		return nil, err
	}

	// Some providers report quota problems and errors inside a 200 body.
	for _, field := range r.cfg.ErrorFields {
		if v := gjson.GetBytes(body, field); v.Exists() && v.String() != "" {
			category := model.ErrTransient
			if looksRateLimited(v.String()) {
				category = model.ErrRateLimited
			}
			return nil, &model.ProviderError{
				Provider: r.cfg.Name,
				Category: category,
				Err:      fmt.Errorf("provider reported %q: %s", field, v.String()),
			}
		}
	}

	return &Response{
		Provider:    r.cfg.Name,
		Payload:     body,
		RetrievedAt: r.clock.Now().UTC(),
	}, nil
}

func looksRateLimited(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "call frequency") ||
		strings.Contains(msg, "premium")
}

var _ DataProvider = (*REST)(nil)
