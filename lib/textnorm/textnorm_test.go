package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "ПРИВЕТ Мир", "привет мир"},
		{"yo folded", "Ёлка зелёная", "елка зеленая"},
		{"whitespace collapsed", "  a \t b\n\nc ", "a b c"},
		{"empty", "", ""},
		{"mixed scripts", "Hello МИР", "hello мир"},
		{"zero-width stripped", "при​вет ⁠мир‍", "привет мир"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"simple", "Привет, мир!", []string{"привет", "мир"}},
		{"hyphenated kept", "что-то случилось", []string{"что-то", "случилось"}},
		{"digits kept", "canal123 тут", []string{"canal123", "тут"}},
		{"punct only", "?!...", nil},
		{"zero-width inside word", "при​вет мир", []string{"привет", "мир"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokens(tt.in))
		})
	}
}

func TestCleanEmoji(t *testing.T) {
	assert.Equal(t, "привет ", CleanEmoji("привет 🔥"))
	assert.Equal(t, "plain", CleanEmoji("plain"))
}

func TestToLatin(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"медуза", "meduza"},
		{"навальный", "navalnyi"},
		{"abc", "abc"},
		{"щука", "shuka"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ToLatin(tt.in))
		})
	}
}

func TestApproxCyrillic(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple reverse", "moloko", "молоко"},
		{"x expands then collapses", "xxx", "кс"},
		{"long runs collapse", "аааабб", "абб"},
		{"already cyrillic untouched", "молоко", "молоко"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ApproxCyrillic(tt.in))
		})
	}
}

func TestCollapseRuns(t *testing.T) {
	assert.Equal(t, "а", collapseRuns("ааа"))
	assert.Equal(t, "аа", collapseRuns("аа"))
	assert.Equal(t, "аба", collapseRuns("абааааа"))
	assert.Equal(t, "", collapseRuns(""))
}
