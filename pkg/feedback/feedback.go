// Package feedback contains the core domain types for the feedback relay:
// portal credentials, fetch windows, portal records and the downstream
// delivery shape.
package feedback

import (
	"strings"
	"time"
)

// TimeLayout is the second-precision layout used by the portal read API
// and by the downstream delivery payload.
const TimeLayout = "2006-01-02 15:04:05"

// Cookie is a single name/value pair from an authenticated portal session.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CredentialSet is a full cookie jar captured from one interactive login,
// with its validity window. A set is superseded wholesale on every login,
// never merged.
type CredentialSet struct {
	Cookies   []Cookie  `json:"cookies"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the set may still be used for requests.
func (c *CredentialSet) Valid(now time.Time) bool {
	if c == nil || len(c.Cookies) == 0 {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// CookieHeader renders the jar as a Cookie request header value,
// preserving cookie order.
func (c *CredentialSet) CookieHeader() string {
	parts := make([]string, 0, len(c.Cookies))
	for _, ck := range c.Cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// FetchWindow is the half-open data window queried from the portal.
type FetchWindow struct {
	From time.Time
	To   time.Time
}

// WindowEnding computes the window covering the given number of minutes
// ending at now. The duration is clamped to a minimum of one minute so
// From is always strictly before To.
func WindowEnding(now time.Time, minutes int) FetchWindow {
	if minutes < 1 {
		minutes = 1
	}
	to := now.Truncate(time.Second)
	return FetchWindow{
		From: to.Add(-time.Duration(minutes) * time.Minute),
		To:   to,
	}
}

// FromString formats the window start for the portal query.
func (w FetchWindow) FromString() string { return w.From.Format(TimeLayout) }

// ToString formats the window end for the portal query.
func (w FetchWindow) ToString() string { return w.To.Format(TimeLayout) }

// FieldValue is one labeled entry from a record's structured field
// collection. The reporter contact number lives under the "QQ" label.
type FieldValue struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Image is one attachment on a portal record.
type Image struct {
	OriginalURL string `json:"original_url"`
}

// Extra carries optional client metadata attached to a portal record.
// Field names follow the portal's JSON.
type Extra struct {
	ClientInfo    string `json:"clientInfo,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
	OS            string `json:"os,omitempty"`
	OSVersion     string `json:"osVersion,omitempty"`
	CustomInfo    string `json:"customInfo,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// RawRecord is one feedback post as returned by the portal read API.
type RawRecord struct {
	ID          string       `json:"id"`
	CreatedAt   string       `json:"created_at"`
	Content     string       `json:"content"`
	NickName    string       `json:"nick_name"`
	FieldValues []FieldValue `json:"field_values,omitempty"`
	Images      []Image      `json:"images,omitempty"`
	Extra       *Extra       `json:"extra,omitempty"`
}

// QQ returns the reporter contact extracted from the field collection,
// or the empty string when absent.
func (r *RawRecord) QQ() string {
	for _, fv := range r.FieldValues {
		if fv.Label == "QQ" {
			return fv.Value
		}
	}
	return ""
}

// DeliveryRecord is the shape the downstream ingestion API expects.
// Optional source fields that are absent stay absent in the output
// rather than being serialized as null markers.
type DeliveryRecord struct {
	Time          string `json:"time"`
	UIN           string `json:"uin"`
	QQ            string `json:"QQ,omitempty"`
	Comment       string `json:"comment"`
	NickName      string `json:"nick_name"`
	PicURLList    string `json:"picurllist,omitempty"`
	ClientInfo    string `json:"clientInfo,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
	OS            string `json:"os,omitempty"`
	OSVersion     string `json:"osVersion,omitempty"`
	CustomInfo    string `json:"customInfo,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// MapRecord converts a portal record to the downstream shape. It is a
// pure function: one input record, one output record.
func MapRecord(r RawRecord) DeliveryRecord {
	d := DeliveryRecord{
		Time:     formatCreatedAt(r.CreatedAt),
		UIN:      r.ID,
		QQ:       r.QQ(),
		Comment:  r.Content,
		NickName: r.NickName,
	}

	if len(r.Images) > 0 {
		urls := make([]string, 0, len(r.Images))
		for _, img := range r.Images {
			urls = append(urls, img.OriginalURL)
		}
		d.PicURLList = strings.Join(urls, "|")
	}

	if r.Extra != nil {
		d.ClientInfo = r.Extra.ClientInfo
		d.ClientVersion = r.Extra.ClientVersion
		d.OS = r.Extra.OS
		d.OSVersion = r.Extra.OSVersion
		d.CustomInfo = r.Extra.CustomInfo
		d.UserAgent = r.Extra.UserAgent
	}

	return d
}

// formatCreatedAt rewrites the portal's RFC 3339 creation timestamp into
// the downstream layout, keeping the timestamp's own offset. Timestamps
// the portal sends in any other shape pass through untouched.
func formatCreatedAt(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.Format(TimeLayout)
}

// LedgerEntry records one delivered feedback id and when it was sent,
// in milliseconds since the epoch (the ledger's on-disk unit).
type LedgerEntry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}
