package transcript_test

import (
	"testing"

	"github.com/MrWong99/aicc/internal/transcript"
	"github.com/MrWong99/aicc/internal/transcript/phonetic"
)

func TestCorrector_Correct(t *testing.T) {
	t.Parallel()

	c := transcript.NewCorrector([]string{"데이터 쉐어링", "roaming plan", "eSIM", "유심"})

	tests := []struct {
		name  string
		in    string
		want  string
		fixes int
	}{
		{"korean phrase", "데이타 쉐어링 신청할게요", "데이터 쉐어링 신청할게요", 1},
		{"latin phrase inside korean", "해외에서 roming plan 으로 바꿔주세요", "해외에서 roaming plan 으로 바꿔주세요", 1},
		{"split word", "e sim 으로 개통했어요", "eSIM 으로 개통했어요", 1},
		{"particle kept", "유심을 바꾸고 싶어요", "유심을 바꾸고 싶어요", 0},
		{"exact phrase unchanged", "유심 카드요", "유심 카드요", 0},
		{"nothing to fix", "네 알겠습니다", "네 알겠습니다", 0},
		{"empty", "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, fixes := c.Correct(tt.in)
			if got != tt.want {
				t.Errorf("Correct(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if len(fixes) != tt.fixes {
				t.Errorf("corrections = %+v, want %d", fixes, tt.fixes)
			}
		})
	}
}

func TestCorrector_ReportsCorrection(t *testing.T) {
	t.Parallel()

	c := transcript.NewCorrector([]string{"데이터 쉐어링"})
	_, fixes := c.Correct("데이타 쉐어링 해주세요")
	if len(fixes) != 1 {
		t.Fatalf("corrections = %d, want 1", len(fixes))
	}
	f := fixes[0]
	if f.Original != "데이타 쉐어링" || f.Corrected != "데이터 쉐어링" {
		t.Errorf("correction = %+v", f)
	}
	if f.Confidence < 0.9 {
		t.Errorf("confidence = %v, want >= 0.9", f.Confidence)
	}
}

func TestCorrector_NoPhrases(t *testing.T) {
	t.Parallel()

	c := transcript.NewCorrector(nil, transcript.WithMatcher(phonetic.New()))
	in := "데이타  쉐어링"
	if got, fixes := c.Correct(in); got != in || fixes != nil {
		t.Errorf("Correct = %q, %v; want input unchanged", got, fixes)
	}
}
