package search

import (
	"slices"
	"strings"
	"testing"
	"time"

	"sentinel-siem/internal/schema"
)

func TestLexer_NextToken(t *testing.T) {
	tests := []struct {
		input    string
		expected []Token
	}{
		{
			input: "ip:45.155.205.7",
			expected: []Token{
				{Type: TokenField, Value: "ip"},
				{Type: TokenOperator, Value: "="},
				{Type: TokenValue, Value: "45.155.205.7"},
				{Type: TokenEOF},
			},
		},
		{
			input: `raw~"Failed password"`,
			expected: []Token{
				{Type: TokenField, Value: "raw"},
				{Type: TokenOperator, Value: "~"},
				{Type: TokenValue, Value: "Failed password"},
				{Type: TokenEOF},
			},
		},
		{
			input: "user!=root",
			expected: []Token{
				{Type: TokenField, Value: "user"},
				{Type: TokenOperator, Value: "!="},
				{Type: TokenValue, Value: "root"},
				{Type: TokenEOF},
			},
		},
		{
			input: "!user:root",
			expected: []Token{
				{Type: TokenNot, Value: "NOT"},
				{Type: TokenField, Value: "user"},
				{Type: TokenOperator, Value: "="},
				{Type: TokenValue, Value: "root"},
				{Type: TokenEOF},
			},
		},
		{
			input: "(ip:a or ip:b) && NOT type:x",
			expected: []Token{
				{Type: TokenLParen, Value: "("},
				{Type: TokenField, Value: "ip"},
				{Type: TokenOperator, Value: "="},
				{Type: TokenValue, Value: "a"},
				{Type: TokenOr, Value: "OR"},
				{Type: TokenField, Value: "ip"},
				{Type: TokenOperator, Value: "="},
				{Type: TokenValue, Value: "b"},
				{Type: TokenRParen, Value: ")"},
				{Type: TokenAnd, Value: "AND"},
				{Type: TokenNot, Value: "NOT"},
				{Type: TokenField, Value: "type"},
				{Type: TokenOperator, Value: "="},
				{Type: TokenValue, Value: "x"},
				{Type: TokenEOF},
			},
		},
		{
			input: `ip:"2001:db8::1"`,
			expected: []Token{
				{Type: TokenField, Value: "ip"},
				{Type: TokenOperator, Value: "="},
				{Type: TokenValue, Value: "2001:db8::1"},
				{Type: TokenEOF},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			lexer := NewLexer(tt.input)
			for i, want := range tt.expected {
				got := lexer.NextToken()
				if got != want {
					t.Fatalf("token %d = %+v, want %+v", i, got, want)
				}
			}
		})
	}
}

func sampleEvents() []schema.Event {
	return []schema.Event{
		{
			Type: schema.EventFailedLogin, Source: schema.SourceLinuxAuth, Severity: schema.SeverityMedium,
			SourceIP: "45.155.205.7", Username: "root",
			Raw: "Failed password for root from 45.155.205.7 port 22 ssh2",
		},
		{
			Type: schema.EventInvalidUser, Source: schema.SourceLinuxAuth, Severity: schema.SeverityMedium,
			SourceIP: "45.155.205.8", Username: "admin",
			Raw: "Invalid user admin from 45.155.205.8 port 4022",
		},
		{
			Type: schema.EventSuccessLogin, Source: schema.SourceLinuxAuth, Severity: schema.SeverityLow,
			SourceIP: "10.0.0.5", Username: "alice",
			Raw: "Accepted publickey for alice from 10.0.0.5 port 51234 ssh2",
		},
	}
}

func TestQuery_Match(t *testing.T) {
	events := sampleEvents()

	tests := []struct {
		query string
		want  []string // usernames of matching events
	}{
		{"", []string{"root", "admin", "alice"}},
		{"user:root", []string{"root"}},
		{"type:ssh_failed_login OR type:ssh_invalid_user", []string{"root", "admin"}},
		{"ip:45.155.205.*", []string{"root", "admin"}},
		{"NOT ip:45.155.205.*", []string{"alice"}},
		{"ip:45.155.205.* AND NOT user:admin", []string{"root"}},
		{"password", []string{"root"}},
		{"Invalid user", []string{"admin"}},
		{"raw~ACCEPTED", []string{"alice"}},
		{"raw!~from", nil},
		{"user!=root", []string{"admin", "alice"}},
		{"(user:root OR user:alice) severity:low", []string{"alice"}},
		{`src:"10.0.0.5"`, []string{"alice"}},
		{"user:ROOT", nil},
		{"user:a*", []string{"admin", "alice"}},
		{"source:linux_auth type:ssh_success_login", []string{"alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := ParseQuery(tt.query)
			if err != nil {
				t.Fatalf("ParseQuery(%q) error = %v", tt.query, err)
			}
			var got []string
			for i := range events {
				if q.Match(&events[i]) {
					got = append(got, events[i].Username)
				}
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("matches = %v, want %v (parsed %s)", got, tt.want, q)
			}
		})
	}
}

func TestParseQuery_Errors(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"user:", "missing value"},
		{"bogus:1", "unknown field"},
		{"(user:root", "missing closing parenthesis"},
		{"user:root)", "unexpected"},
		{"user:root OR", "unexpected end"},
		{"AND user:root", "unexpected"},
		{strings.Repeat("(", 40) + "user:x" + strings.Repeat(")", 40), "nested deeper"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			_, err := ParseQuery(tt.query)
			if err == nil {
				t.Fatalf("ParseQuery(%q) should fail", tt.query)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestQuery_String(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"", "*"},
		{"ip:1.2.3.4", `source_ip="1.2.3.4"`},
		{"user:root type:ssh_failed_login", `(username="root" AND event_type="ssh_failed_login")`},
		{"a OR b c", `(raw_message~"a" OR (raw_message~"b" AND raw_message~"c"))`},
		{"NOT (user:x OR user:y)", `NOT (username="x" OR username="y")`},
	}

	for _, tt := range tests {
		q, err := ParseQuery(tt.query)
		if err != nil {
			t.Fatalf("ParseQuery(%q) error = %v", tt.query, err)
		}
		if got := q.String(); got != tt.want {
			t.Errorf("ParseQuery(%q).String() = %s, want %s", tt.query, got, tt.want)
		}
	}
}

func TestQuery_Pushdown(t *testing.T) {
	tests := []struct {
		query    string
		wantIP   string
		wantUser string
		wantType schema.EventType
	}{
		{query: "ip:45.155.205.7 user:root type:ssh_failed_login raw~port",
			wantIP: "45.155.205.7", wantUser: "root", wantType: schema.EventFailedLogin},
		{query: "ip:45.155.205.7 OR user:root"},
		{query: "ip:45.* user:root", wantUser: "root"},
		{query: "NOT ip:45.155.205.7"},
		{query: "ip:10.0.0.1 AND (user:a OR user:b)", wantIP: "10.0.0.1"},
		{query: "ip:10.0.0.1 ip:10.0.0.2", wantIP: "10.0.0.1"},
		{query: "user!=root"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			eq := q.Pushdown()
			if eq.SourceIP != tt.wantIP {
				t.Errorf("SourceIP = %q, want %q", eq.SourceIP, tt.wantIP)
			}
			if eq.Username != tt.wantUser {
				t.Errorf("Username = %q, want %q", eq.Username, tt.wantUser)
			}
			var gotType schema.EventType
			if len(eq.Types) == 1 {
				gotType = eq.Types[0]
			} else if len(eq.Types) > 1 {
				t.Fatalf("Types = %v, want at most one", eq.Types)
			}
			if gotType != tt.wantType {
				t.Errorf("Types = %v, want %q", eq.Types, tt.wantType)
			}
		})
	}
}

func TestMapField(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"ip", FieldSourceIP, true},
		{"SRC", FieldSourceIP, true},
		{"user", FieldUsername, true},
		{"type", FieldEventType, true},
		{"message", FieldRaw, true},
		{"severity", FieldSeverity, true},
		{"tenant_id", "", false},
	}
	for _, tt := range tests {
		got, ok := MapField(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("MapField(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in     string
		want   time.Duration
		wantOK bool
	}{
		{"now", 0, true},
		{"now-1h", time.Hour, true},
		{"NOW-15m", 15 * time.Minute, true},
		{"now-7d", 7 * 24 * time.Hour, true},
		{"now+1h", 0, false},
		{"now-abc", 0, false},
		{"yesterday", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseDuration(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseDuration(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseTime(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2024-03-09T08:30:00Z", want: time.Date(2024, 3, 9, 8, 30, 0, 0, time.UTC)},
		{in: "2024-03-09", want: time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)},
		{in: "now", want: now},
		{in: "now-2h", want: now.Add(-2 * time.Hour)},
		{in: "1710000000", want: time.Unix(1710000000, 0)},
		{in: "1710000000000", want: time.UnixMilli(1710000000000)},
		{in: "last tuesday", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseTime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if !tt.wantErr && !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
