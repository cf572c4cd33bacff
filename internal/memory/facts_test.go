package memory

import "testing"

func TestExtractFact(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		category string
	}{
		{"empty", "   ", ""},
		{"small talk", "how is the weather?", ""},
		{"preference", "I like green tea", "preference"},
		{"fact", "My name is Ada and I work at a lab", "fact"},
		{"instruction beats preference", "Remember that I prefer short answers", "instruction"},
		{"fact beats all", "My name is Ada, remember that I like tea", "fact"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractFact(tt.input)
			if ok != (tt.category != "") {
				t.Fatalf("ok = %v for %q", ok, tt.input)
			}
			if got.Category != tt.category {
				t.Errorf("category %q, want %q", got.Category, tt.category)
			}
			if ok && got.Content == "" {
				t.Error("expected content to be set")
			}
		})
	}
}
