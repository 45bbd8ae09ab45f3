package postprocess

import (
	"reflect"
	"testing"
)

func TestRestitute(t *testing.T) {
	replacements := []Replacement{
		{Surface: "K8s", FullForm: "Kubernetes"},
		{Surface: "CI", FullForm: "continuous integration"},
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "single occurrence",
			in:   "Deploy it to Kubernetes today.",
			want: "Deploy it to K8s today.",
		},
		{
			name: "case insensitive",
			in:   "kubernetes and KUBERNETES both count",
			want: "K8s and K8s both count",
		},
		{
			name: "multi word full form",
			in:   "Set up continuous integration first.",
			want: "Set up CI first.",
		},
		{
			name: "whole word only",
			in:   "Kubernetesish tools are untouched",
			want: "Kubernetesish tools are untouched",
		},
		{
			name: "no match",
			in:   "Nothing to change here.",
			want: "Nothing to change here.",
		},
		{
			name: "empty input",
			in:   "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Restitute(tt.in, replacements); got != tt.want {
				t.Errorf("Restitute() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRestituteNonASCII(t *testing.T) {
	tests := []struct {
		name         string
		replacements []Replacement
		in           string
		want         string
	}{
		{
			name:         "cjk full form folds without separators",
			replacements: []Replacement{{Surface: "客服", FullForm: "人工客服"}},
			in:           "请联系人工客服处理。",
			want:         "请联系客服处理。",
		},
		{
			name:         "accented full form at word edge",
			replacements: []Replacement{{Surface: "cafe", FullForm: "café"}},
			in:           "un café au lait",
			want:         "un cafe au lait",
		},
		{
			name:         "accented full form stays whole word",
			replacements: []Replacement{{Surface: "cafe", FullForm: "café"}},
			in:           "les cafés restent",
			want:         "les cafés restent",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Restitute(tt.in, tt.replacements); got != tt.want {
				t.Errorf("Restitute() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRestituteLongestFullFormWins(t *testing.T) {
	replacements := []Replacement{
		{Surface: "DB", FullForm: "database"},
		{Surface: "DBMS", FullForm: "database management system"},
	}
	got := Restitute("a database management system and a database", replacements)
	want := "a DBMS and a DB"
	if got != want {
		t.Errorf("Restitute() = %q, want %q", got, want)
	}
}

func TestRestituteSkipsBlankEntries(t *testing.T) {
	replacements := []Replacement{
		{Surface: "", FullForm: "something"},
		{Surface: "X", FullForm: "  "},
	}
	in := "something stays as is"
	if got := Restitute(in, replacements); got != in {
		t.Errorf("Restitute() = %q, want unchanged %q", got, in)
	}
}

func TestSegment(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "blank lines separate units",
			in:   "Line one\n\nLine two\nLine three",
			want: []string{"Line one", "Line two", "Line three"},
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "  hello  \n\t\n world ",
			want: []string{"hello", "world"},
		},
		{
			name: "single line",
			in:   "just one",
			want: []string{"just one"},
		},
		{
			name: "only whitespace",
			in:   " \n\t \n ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Segment(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Segment() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSegmentIdempotent(t *testing.T) {
	units := Segment("alpha\n\nbeta\ngamma")
	for _, unit := range units {
		again := Segment(unit)
		if len(again) != 1 || again[0] != unit {
			t.Errorf("Segment(%q) = %v, want [%q]", unit, again, unit)
		}
	}
}
