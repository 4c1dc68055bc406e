package influx

import (
	"net/http"
	"net/url"
	"strings"
)

// Target is an InfluxDB write endpoint.
type Target interface {
	endpoint() (string, http.Header)
}

// TargetV2 writes to the InfluxDB v2 /api/v2/write endpoint.
type TargetV2 struct {
	BaseURL string
	Org     string
	Bucket  string
	Token   string
	// Precision is ns, us, ms or s. Defaults to ns.
	Precision string
}

func (t TargetV2) endpoint() (string, http.Header) {
	precision := t.Precision
	if precision == "" {
		precision = "ns"
	}
	q := url.Values{}
	q.Set("org", t.Org)
	q.Set("bucket", t.Bucket)
	q.Set("precision", precision)

	h := http.Header{}
	h.Set("Authorization", "Token "+t.Token)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return strings.TrimRight(t.BaseURL, "/") + "/api/v2/write?" + q.Encode(), h
}

// TargetV3 writes to the InfluxDB v3 /api/v3/write_lp endpoint.
type TargetV3 struct {
	BaseURL string
	DB      string
	Token   string
}

func (t TargetV3) endpoint() (string, http.Header) {
	q := url.Values{}
	q.Set("db", t.DB)

	h := http.Header{}
	h.Set("Authorization", "Bearer "+t.Token)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return strings.TrimRight(t.BaseURL, "/") + "/api/v3/write_lp?" + q.Encode(), h
}
