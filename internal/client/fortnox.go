package client

import (
	"context"
	"net/url"

	"fundops.org/internal/connection"
)

const fortnoxBaseURL = "https://api.fortnox.se/3"

func newFortnoxClient(deps Deps, tenantID string) *Client {
	return New(Config{
		TenantID:   tenantID,
		Type:       connection.TypeFortnox,
		Store:      deps.Store,
		OAuth:      deps.OAuth,
		BaseURL:    fortnoxBaseURL,
		HTTPClient: deps.HTTPClient,
		DefaultHeaders: map[string]string{
			"Accept": "application/json",
		},
	})
}

// Fortnox wraps the base client with the bookkeeping calls the platform
// performs against the Fortnox API.
type Fortnox struct {
	*Client
}

func NewFortnox(deps Deps, tenantID string) *Fortnox {
	return &Fortnox{Client: newFortnoxClient(deps, tenantID)}
}

// CompanyInformation fetches the connected company's registration details.
func (f *Fortnox) CompanyInformation(ctx context.Context) Result {
	return f.Get(ctx, "/companyinformation", nil)
}

// Vouchers lists vouchers for a financial year.
func (f *Fortnox) Vouchers(ctx context.Context, financialYear string) Result {
	q := url.Values{}
	if financialYear != "" {
		q.Set("financialyear", financialYear)
	}
	return f.Get(ctx, "/vouchers", &Options{Query: q})
}

// CreateVoucher posts a voucher. The payload follows the Fortnox envelope
// convention of a single "Voucher" wrapper object.
func (f *Fortnox) CreateVoucher(ctx context.Context, voucher any) Result {
	return f.Post(ctx, "/vouchers", map[string]any{"Voucher": voucher}, nil)
}

// SIEExport downloads a SIE file for the financial year.
func (f *Fortnox) SIEExport(ctx context.Context, financialYear string) Result {
	q := url.Values{"financialyear": {financialYear}}
	return f.Get(ctx, "/sie/4", &Options{Query: q})
}
