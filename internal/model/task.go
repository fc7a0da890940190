package model

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// ScrapeTask is one request to observe a competitor price. It is immutable
// once enqueued.
type ScrapeTask struct {
	ID        string `json:"id" yaml:"id"`
	URL       string `json:"url" yaml:"url"`
	Domain    string `json:"domain" yaml:"domain"`
	EAN       string `json:"ean,omitempty" yaml:"ean"`
	Retailer  string `json:"retailer" yaml:"retailer"`
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	ProductID string `json:"product_id,omitempty" yaml:"product_id"`
	Priority  int    `json:"priority" yaml:"priority"`
}

// DedupKey collapses duplicate requests within one enqueued batch: the EAN
// when present, else the task ID, joined with the retailer label.
func (t ScrapeTask) DedupKey() string {
	id := t.EAN
	if id == "" {
		id = t.ID
	}
	return id + "|" + t.Retailer
}

// Normalize fills Domain from URL when it is empty and lowercases it.
func (t ScrapeTask) Normalize() (ScrapeTask, error) {
	if strings.TrimSpace(t.URL) == "" {
		return t, eris.New("model: task has no url")
	}
	if t.Domain == "" {
		d, err := DomainOf(t.URL)
		if err != nil {
			return t, err
		}
		t.Domain = d
	}
	t.Domain = strings.ToLower(t.Domain)
	return t, nil
}

// DomainOf returns the lowercased host of rawURL without a port.
func DomainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "model: parse url %q", rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", eris.Errorf("model: url %q has no host", rawURL)
	}
	return host, nil
}
