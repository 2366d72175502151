package sseframe

import (
	"slices"
	"testing"
)

func runLines(lines ...string) (records []string, ex *Extractor) {
	ex = &Extractor{}
	for _, l := range lines {
		if rec, ok := ex.Line(l); ok {
			records = append(records, rec)
		}
	}
	ex.Finish()
	return records, ex
}

func TestExtractor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		lines       []string
		want        []string
		wantDropped int
	}{
		{
			name:  "label and value on separate lines",
			lines: []string{"data:", `{"a":1}`},
			want:  []string{"data: {\"a\":1}\n"},
		},
		{
			name:  "label and value on one line",
			lines: []string{`data: {"a":1}`},
			want:  []string{"data: {\"a\":1}\n"},
		},
		{
			name:        "dangling label dropped at end",
			lines:       []string{"data:", ""},
			want:        nil,
			wantDropped: 1,
		},
		{
			name:  "non-data lines ignored",
			lines: []string{"event: ping", ": comment", "", "data: ok"},
			want:  []string{"data: ok\n"},
		},
		{
			name:  "no space after colon",
			lines: []string{`data:{"a":1}`},
			want:  []string{"data: {\"a\":1}\n"},
		},
		{
			name:  "value trimmed",
			lines: []string{"  data:    hello   "},
			want:  []string{"data: hello\n"},
		},
		{
			name:  "label with whitespace-only value awaits next line",
			lines: []string{"data:    ", "[1,2]"},
			want:  []string{"data: [1,2]\n"},
		},
		{
			name:  "blank and comment lines keep pending label",
			lines: []string{"data:", "", ": keep-alive", `{"b":2}`},
			want:  []string{"data: {\"b\":2}\n"},
		},
		{
			name:  "unlabeled structured line without pending label ignored",
			lines: []string{`{"x":1}`, "data: y"},
			want:  []string{"data: y\n"},
		},
		{
			name:  "unstructured line does not satisfy pending label",
			lines: []string{"data:", "plain text", `{"c":3}`},
			want:  []string{"data: {\"c\":3}\n"},
		},
		{
			name:        "labeled value discards pending label",
			lines:       []string{"data:", "data: direct"},
			want:        []string{"data: direct\n"},
			wantDropped: 1,
		},
		{
			name:  "consecutive bare labels keep latest",
			lines: []string{"data:", "data:", `{"d":4}`},
			want:  []string{"data: {\"d\":4}\n"},
		},
		{
			name:  "other fields dropped",
			lines: []string{"id: 7", "retry: 1000", "event: message", "data: [DONE]"},
			want:  []string{"data: [DONE]\n"},
		},
		{
			name:  "order preserved",
			lines: []string{"data: 1", "data:", "{\"n\":2}", "data: 3"},
			want:  []string{"data: 1\n", "data: {\"n\":2}\n", "data: 3\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ex := runLines(tt.lines...)
			if !slices.Equal(got, tt.want) {
				t.Errorf("records = %q, want %q", got, tt.want)
			}
			if ex.Dropped() != tt.wantDropped {
				t.Errorf("dropped = %d, want %d", ex.Dropped(), tt.wantDropped)
			}
			if ex.Pending() {
				t.Error("pending flag still set after Finish")
			}
		})
	}
}

func TestExtractorPendingTransitions(t *testing.T) {
	t.Parallel()

	var ex Extractor
	if ex.Pending() {
		t.Fatal("new extractor should not be pending")
	}
	if _, ok := ex.Line("data:"); ok {
		t.Fatal("bare label should not emit")
	}
	if !ex.Pending() {
		t.Fatal("bare label should set pending")
	}
	if _, ok := ex.Line(": comment"); ok || !ex.Pending() {
		t.Fatal("comment should neither emit nor clear pending")
	}
	rec, ok := ex.Line(`  [1]  `)
	if !ok || rec != "data: [1]\n" {
		t.Fatalf("record = %q, %v", rec, ok)
	}
	if ex.Pending() {
		t.Fatal("merged value should clear pending")
	}
	if ex.Finish() {
		t.Error("Finish should report no dangling label")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line      string
		wantClass lineClass
		wantValue string
	}{
		{"", classIgnorable, ""},
		{"   ", classIgnorable, ""},
		{": x", classIgnorable, ""},
		{"data:", classLabel, ""},
		{"data:\t ", classLabel, ""},
		{"data: v", classLabeled, "v"},
		{"{}", classStructured, "{}"},
		{" [", classStructured, "["},
		{"event: x", classOther, ""},
		{"datum: x", classOther, ""},
	}
	for _, tt := range tests {
		class, value := classify(tt.line)
		if class != tt.wantClass || value != tt.wantValue {
			t.Errorf("classify(%q) = (%d, %q), want (%d, %q)", tt.line, class, value, tt.wantClass, tt.wantValue)
		}
	}
}
