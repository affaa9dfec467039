package feedback

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestWindowEnding(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 30, 45, 123456789, time.Local)

	tests := []struct {
		name    string
		minutes int
		want    time.Duration
	}{
		{name: "thirty minutes", minutes: 30, want: 30 * time.Minute},
		{name: "one minute", minutes: 1, want: time.Minute},
		{name: "zero clamps to one minute", minutes: 0, want: time.Minute},
		{name: "negative clamps to one minute", minutes: -5, want: time.Minute},
		{name: "long window", minutes: 1440, want: 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := WindowEnding(now, tt.minutes)
			if got := w.To.Sub(w.From); got != tt.want {
				t.Errorf("window duration = %v, want %v", got, tt.want)
			}
			if !w.From.Before(w.To) {
				t.Errorf("From %v not before To %v", w.From, w.To)
			}
			if w.To.Nanosecond() != 0 {
				t.Errorf("To not truncated to second precision: %v", w.To)
			}
		})
	}
}

func TestWindowFormatting(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 5, 7, 0, time.Local)
	w := WindowEnding(now, 30)

	if got, want := w.ToString(), "2024-01-02 09:05:07"; got != want {
		t.Errorf("ToString() = %q, want %q", got, want)
	}
	if got, want := w.FromString(), "2024-01-02 08:35:07"; got != want {
		t.Errorf("FromString() = %q, want %q", got, want)
	}
}

func TestCredentialSetValid(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	cookies := []Cookie{{Name: "session", Value: "abc"}}

	tests := []struct {
		name  string
		creds *CredentialSet
		want  bool
	}{
		{
			name:  "valid set",
			creds: &CredentialSet{Cookies: cookies, ExpiresAt: now.Add(time.Hour)},
			want:  true,
		},
		{
			name:  "expired set",
			creds: &CredentialSet{Cookies: cookies, ExpiresAt: now.Add(-time.Hour)},
			want:  false,
		},
		{
			name:  "expiry exactly now",
			creds: &CredentialSet{Cookies: cookies, ExpiresAt: now},
			want:  false,
		},
		{
			name:  "no cookies",
			creds: &CredentialSet{ExpiresAt: now.Add(time.Hour)},
			want:  false,
		},
		{
			name:  "nil set",
			creds: nil,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.creds.Valid(now); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCookieHeader(t *testing.T) {
	creds := &CredentialSet{Cookies: []Cookie{
		{Name: "a", Value: "1"},
		{Name: "b", Value: "2"},
		{Name: "c", Value: "3"},
	}}

	if got, want := creds.CookieHeader(), "a=1; b=2; c=3"; got != want {
		t.Errorf("CookieHeader() = %q, want %q", got, want)
	}
}

func TestMapRecord(t *testing.T) {
	raw := RawRecord{
		ID:        "p1",
		CreatedAt: "2024-01-01T10:00:00Z",
		Content:   "broken button",
		NickName:  "Alice",
		FieldValues: []FieldValue{
			{Label: "QQ", Value: "12345"},
		},
	}

	got := MapRecord(raw)

	want := DeliveryRecord{
		Time:     "2024-01-01 10:00:00",
		UIN:      "p1",
		QQ:       "12345",
		Comment:  "broken button",
		NickName: "Alice",
	}
	if got != want {
		t.Errorf("MapRecord() = %+v, want %+v", got, want)
	}
}

func TestMapRecordOmitsAbsentOptionals(t *testing.T) {
	raw := RawRecord{
		ID:        "p1",
		CreatedAt: "2024-01-01T10:00:00Z",
		Content:   "broken button",
		NickName:  "Alice",
	}

	data, err := json.Marshal(MapRecord(raw))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	for _, key := range []string{"picurllist", "QQ", "clientInfo", "os", "user_agent"} {
		if strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("serialized record contains %q key for absent source field: %s", key, data)
		}
	}
}

func TestMapRecordAttachmentsAndExtra(t *testing.T) {
	raw := RawRecord{
		ID:        "p2",
		CreatedAt: "2024-05-20T08:30:00+08:00",
		Content:   "app crashes on open",
		NickName:  "Bob",
		Images: []Image{
			{OriginalURL: "https://img.example.com/1.png"},
			{OriginalURL: "https://img.example.com/2.png"},
		},
		Extra: &Extra{
			ClientInfo:    "android",
			ClientVersion: "9.1.5",
			OS:            "Android",
			OSVersion:     "14",
			UserAgent:     "Mozilla/5.0",
		},
	}

	got := MapRecord(raw)

	if want := "https://img.example.com/1.png|https://img.example.com/2.png"; got.PicURLList != want {
		t.Errorf("PicURLList = %q, want %q", got.PicURLList, want)
	}
	if got.Time != "2024-05-20 08:30:00" {
		t.Errorf("Time = %q, want %q", got.Time, "2024-05-20 08:30:00")
	}
	if got.ClientInfo != "android" || got.ClientVersion != "9.1.5" || got.OS != "Android" || got.OSVersion != "14" {
		t.Errorf("client metadata not carried over: %+v", got)
	}
	if got.UserAgent != "Mozilla/5.0" {
		t.Errorf("UserAgent = %q, want %q", got.UserAgent, "Mozilla/5.0")
	}
	if got.CustomInfo != "" {
		t.Errorf("CustomInfo = %q, want empty", got.CustomInfo)
	}
}

func TestMapRecordUnparseableTimestampPassesThrough(t *testing.T) {
	raw := RawRecord{ID: "p3", CreatedAt: "not a timestamp", Content: "x", NickName: "y"}
	if got := MapRecord(raw); got.Time != "not a timestamp" {
		t.Errorf("Time = %q, want raw value passed through", got.Time)
	}
}
