package chunker

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Docker containers make deployment easy, and Docker images are portable.")
	want := []string{"docker", "containers", "make", "deployment", "easy", "images", "portable"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractKeywords = %v, want %v", got, want)
	}
}

func TestExtractKeywordsCap(t *testing.T) {
	var words []string
	for i := 0; i < 30; i++ {
		words = append(words, "keyword"+strings.Repeat("x", i+1))
	}
	got := ExtractKeywords(strings.Join(words, " "))
	if len(got) != MaxKeywords {
		t.Errorf("got %d keywords, want cap of %d", len(got), MaxKeywords)
	}
}

func TestExtractKeywordsDropsShortAndStopWords(t *testing.T) {
	got := ExtractKeywords("the cat was here because they have it")
	if len(got) != 0 {
		t.Errorf("expected no keywords, got %v", got)
	}
}

func TestExtractKeywordsStripsPunctuation(t *testing.T) {
	got := ExtractKeywords("kubernetes-cluster, networking!")
	want := []string{"kubernetes", "cluster", "networking"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractKeywords = %v, want %v", got, want)
	}
}

func TestExtractQueryKeywordsDropsInterrogatives(t *testing.T) {
	got := ExtractQueryKeywords("What does the speaker say about databases?")
	want := []string{"speaker", "databases"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractQueryKeywords = %v, want %v", got, want)
	}
}

func TestKeywordPipelinesAgreeOnPlainTokens(t *testing.T) {
	text := "postgres replication lag monitoring"
	if !reflect.DeepEqual(ExtractKeywords(text), ExtractQueryKeywords(text)) {
		t.Error("chunk and query tokenization diverge on plain tokens")
	}
}
