package policy

import "testing"

func TestTranslateCondition(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "word and",
			in:   `a == 1 and b == 2`,
			want: `a == 1 && b == 2`,
		},
		{
			name: "word or",
			in:   `action.path == '/etc/passwd' or action.path == '/etc/shadow'`,
			want: `action.path == '/etc/passwd' || action.path == '/etc/shadow'`,
		},
		{
			name: "word not",
			in:   `not data.contains_pii`,
			want: `! data.contains_pii`,
		},
		{
			name: "not with parens",
			in:   `not(a and b)`,
			want: `!(a && b)`,
		},
		{
			name: "operators inside single quotes untouched",
			in:   `resource == 'reports and notes'`,
			want: `resource == 'reports and notes'`,
		},
		{
			name: "operators inside double quotes untouched",
			in:   `resource == "this or that"`,
			want: `resource == "this or that"`,
		},
		{
			name: "escaped quote does not end the literal",
			in:   `resource == 'it\'s and' and true`,
			want: `resource == 'it\'s and' && true`,
		},
		{
			name: "field named or stays",
			in:   `data.or == 'x'`,
			want: `data.or == 'x'`,
		},
		{
			name: "identifier root named and stays",
			in:   `and.field == 1`,
			want: `and.field == 1`,
		},
		{
			name: "substring matches stay",
			in:   `android == 'sandy'`,
			want: `android == 'sandy'`,
		},
		{
			name: "cel operators pass through",
			in:   `a && b || !c`,
			want: `a && b || !c`,
		},
		{
			name: "in stays in",
			in:   `action.tool in ['shell', 'exec']`,
			want: `action.tool in ['shell', 'exec']`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := translateCondition(tc.in); got != tc.want {
				t.Errorf("translateCondition(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	good := []struct {
		in     string
		n      int
		window string
	}{
		{"100/1h", 100, "1h0m0s"},
		{"5/30s", 5, "30s"},
		{"2/day", 2, "24h0m0s"},
		{" 10 / minute ", 10, "1m0s"},
	}
	for _, tc := range good {
		spec, err := parseLimit(tc.in)
		if err != nil {
			t.Fatalf("parseLimit(%q): %v", tc.in, err)
		}
		if spec.n != tc.n || spec.window.String() != tc.window {
			t.Errorf("parseLimit(%q) = %d/%s, want %d/%s", tc.in, spec.n, spec.window, tc.n, tc.window)
		}
	}

	for _, bad := range []string{"", "100", "0/1h", "-3/1h", "x/1h", "5/fortnight", "5/-1h"} {
		if _, err := parseLimit(bad); err == nil {
			t.Errorf("parseLimit(%q): expected error", bad)
		}
	}
}
