package resync

import (
	"reflect"
	"testing"
)

func TestParseReferences(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "empty",
			raw:  "",
			want: nil,
		},
		{
			name: "single header line",
			raw:  "References: <a@x> <b@y>",
			want: []string{"a@x", "b@y"},
		},
		{
			name: "folded header line",
			raw:  "References: <a@x>\r\n <b@y> <c@z>",
			want: []string{"a@x", "b@y", "c@z"},
		},
		{
			name: "no colon",
			raw:  "garbage",
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseReferences(tc.raw)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("parseReferences(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestUidSetArg(t *testing.T) {
	got := uidSetArg([]uint32{1, 2, 30})
	want := "1,2,30"
	if got != want {
		t.Errorf("uidSetArg = %q, want %q", got, want)
	}
}

func TestUidSetArg_Empty(t *testing.T) {
	if got := uidSetArg(nil); got != "" {
		t.Errorf("uidSetArg(nil) = %q, want empty string", got)
	}
}
