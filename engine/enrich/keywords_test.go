package enrich

import (
	"reflect"
	"testing"
)

func TestKeywords(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"What is the capital of Syria?", []string{"capital", "syria"}},
		{"Tell me about Damascus, Damascus!", []string{"damascus"}},
		{"ما هي عاصمة سوريا؟", []string{"عاصمة", "سوريا"}},
		{"is it ok?", nil},
	}
	for _, tt := range tests {
		got := Keywords(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Keywords(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
