package agent

import (
	"strings"
	"testing"
)

// TestSanitizeReply_StripsInternalContent verifies echoed context, citations
// and reasoning tags are removed while the answer survives.
func TestSanitizeReply_StripsInternalContent(t *testing.T) {
	in := "<think>revisar tarifas</think>Claro, la habitación doble cuesta $150.000【4:0†tarifas.pdf】\n\n" +
		"=== CONTEXTO DEL CLIENTE ===\nEtiquetas: VIP\n=== FIN CONTEXTO ===\n\n\n" +
		"Hora actual: 30/7/2025, 12:00:00\n¿Te la reservo?"
	got := SanitizeReply(in)
	want := "Claro, la habitación doble cuesta $150.000\n\n¿Te la reservo?"
	if got != want {
		t.Errorf("SanitizeReply = %q, want %q", got, want)
	}
}

// TestSanitizeReply_CollapsesDuplicateParagraphs verifies a repeated block
// is sent once.
func TestSanitizeReply_CollapsesDuplicateParagraphs(t *testing.T) {
	got := SanitizeReply("Hola\n\nHola\n\nChao")
	if got != "Hola\n\nChao" {
		t.Errorf("SanitizeReply = %q", got)
	}
}

// TestSplitReply_FoldsOverflowIntoLastChunk verifies at most limit chunks
// and no lost text.
func TestSplitReply_FoldsOverflowIntoLastChunk(t *testing.T) {
	got := SplitReply("uno\n\ndos\n\ntres\n\ncuatro", 3)
	if len(got) != 3 {
		t.Fatalf("chunks = %d: %q", len(got), got)
	}
	if got[2] != "tres\n\ncuatro" {
		t.Errorf("last chunk = %q", got[2])
	}
	if SplitReply("   ", 3) != nil {
		t.Error("blank content produced chunks")
	}
	if one := SplitReply("línea uno\nlínea dos", 3); len(one) != 1 || !strings.Contains(one[0], "\n") {
		t.Errorf("single paragraph = %q", one)
	}
}

// TestIsSystemMessage covers internal prefixes and normal text.
func TestIsSystemMessage(t *testing.T) {
	cases := map[string]bool{
		"=== CONTEXTO ===":          true,
		"  [NOTA DEL SISTEMA] x":    true,
		"--- DEBUG: run":            true,
		"Hola, ¿cómo estás?":        false,
		"Contexto de tu reserva...": false,
	}
	for in, want := range cases {
		if got := IsSystemMessage(in); got != want {
			t.Errorf("IsSystemMessage(%q) = %v, want %v", in, got, want)
		}
	}
}
